package machine_test

import (
	"context"
	"fmt"

	"github.com/openvariant/variant/pkg/machine"
)

type door struct {
	opened int
}

func ExampleMachine() {
	def := machine.Definition[*door]{
		Name:    "door",
		Initial: "CLOSED",
		States: []machine.State{
			{ID: "CLOSED", Name: "CLOSED"},
			{ID: "OPEN", Name: "OPEN"},
		},
		Transitions: []machine.Transition[*door]{
			{From: "CLOSED", To: "OPEN", On: "PUSH", Action: func(ctx context.Context, d *door, ev machine.Event) error {
				d.opened++
				return nil
			}},
			{From: "OPEN", To: "CLOSED", On: "PULL"},
		},
	}

	m, err := machine.New(def, &door{}, machine.Options{})
	if err != nil {
		panic(err)
	}

	_, _ = m.RegisterHook(machine.Hook[*door]{
		Phase: machine.AfterEnter,
		Handler: func(ctx context.Context, hc machine.HookContext[*door]) error {
			fmt.Printf("%s -> %s\n", hc.From.ID, hc.To.ID)
			return nil
		},
	})

	ctx := context.Background()
	_ = m.Send(ctx, machine.NewEvent("PUSH", nil))
	_ = m.Send(ctx, machine.NewEvent("PULL", nil))
	fmt.Println("opened:", m.Context().opened)

	// Output:
	// CLOSED -> OPEN
	// OPEN -> CLOSED
	// opened: 1
}
