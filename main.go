package main

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/sanity-io/litter"

	"github.com/kevinxiao27/yata/crdt"
	"github.com/kevinxiao27/yata/util"
)

func ok(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	litter.Config.HidePrivateFields = false

	alice := crdt.New(1)
	bob := crdt.New(2)

	ok(alice.Insert(0, "hello world"))
	ok(alice.Delete(5, 6))
	ok(bob.Insert(0, " & goodbye"))

	aliceUpdate := append(alice.Diff(bob.StateVector()), alice.Amendments()...)
	bobUpdate := append(bob.Diff(alice.StateVector()), bob.Amendments()...)
	alice.Apply(bobUpdate)
	bob.Apply(aliceUpdate)

	fmt.Printf("alice: %q\n", alice.Value())
	fmt.Printf("bob:   %q\n", bob.Value())
	if alice.Value() == bob.Value() {
		fmt.Println("Replicas converged")
	} else {
		fmt.Println("Replicas diverged")
	}

	items := slices.Collect(alice.All())
	runes := util.Reduce(items, func(it crdt.Item, n int) int {
		return n + utf8.RuneCountInString(it.Content)
	}, 0)
	fmt.Printf("%d items holding %d runes, tombstones included\n", len(items), runes)

	fmt.Println("alice's update as sent to bob:")
	litter.Dump(aliceUpdate)
}
