package codec

import (
	"encoding/json"
	"fmt"

	"github.com/kevinxiao27/yata/crdt"
)

// For detecting incoming message type. Each struct below has Type set to the
// struct type name.
type MsgType struct {
	Type string
}

// Sent from client to server on connect.
type Init struct {
	Type  string
	DocId string

	// Vector is what the client already holds, so the snapshot can be a
	// delta. Nil or empty means send everything.
	Vector crdt.StateVector
}

// Sent from server to client in response to Init.
type Snapshot struct {
	Type     string
	ClientId uint64 // id assigned to this client

	// Vector is the sender's state vector at snapshot time. Item spans
	// alone under-count clocks once splits have truncated runs, so the
	// vector travels with the items.
	Vector crdt.StateVector

	Items []crdt.Item
}

// Sent from client to server.
type Update struct {
	Type     string
	ClientId uint64 // client that produced these items

	Items []crdt.Item
}

// Sent from server to client.
type Change struct {
	Type     string
	ClientId uint64 // client that produced these items

	Items []crdt.Item
}

func EncodeInit(docID string, vector crdt.StateVector) ([]byte, error) {
	return json.Marshal(Init{Type: "Init", DocId: docID, Vector: vector})
}

func EncodeSnapshot(clientID uint64, vector crdt.StateVector, items []crdt.Item) ([]byte, error) {
	return json.Marshal(Snapshot{Type: "Snapshot", ClientId: clientID, Vector: vector, Items: items})
}

func EncodeUpdate(clientID uint64, items []crdt.Item) ([]byte, error) {
	return json.Marshal(Update{Type: "Update", ClientId: clientID, Items: items})
}

func EncodeChange(clientID uint64, items []crdt.Item) ([]byte, error) {
	return json.Marshal(Change{Type: "Change", ClientId: clientID, Items: items})
}

// Decode sniffs the Type tag and returns the concrete message struct.
func Decode(b []byte) (any, error) {
	var mt MsgType
	if err := json.Unmarshal(b, &mt); err != nil {
		return nil, fmt.Errorf("codec: decoding message type: %w", err)
	}
	switch mt.Type {
	case "Init":
		var msg Init
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, fmt.Errorf("codec: decoding Init: %w", err)
		}
		return msg, nil
	case "Snapshot":
		var msg Snapshot
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, fmt.Errorf("codec: decoding Snapshot: %w", err)
		}
		return msg, nil
	case "Update":
		var msg Update
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, fmt.Errorf("codec: decoding Update: %w", err)
		}
		return msg, nil
	case "Change":
		var msg Change
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, fmt.Errorf("codec: decoding Change: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("codec: unknown message type %q", mt.Type)
	}
}
