package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/agorahub/agora/internal/agent/lifecycle"
	"github.com/agorahub/agora/internal/hub/bus"
	"github.com/agorahub/agora/internal/hub/db"
	"github.com/agorahub/agora/internal/hub/orch"
	"github.com/agorahub/agora/internal/hub/scenario"
	"github.com/agorahub/agora/internal/hub/store"
)

// runDemo drives a scripted two-agent conversation end to end against
// an in-memory hub and prints the resulting event log.
func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "demo deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sqlDB, err := db.Open(":memory:")
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Migrate(sqlDB); err != nil {
		return err
	}

	st := store.New(sqlDB)
	o := orch.New(st, bus.New(64, bus.Block), nil, scenario.New(sqlDB), orch.Config{
		IdleTurn:         5 * time.Second,
		WatchdogInterval: time.Second,
	})
	o.Start()
	defer o.Shutdown()

	lc := lifecycle.NewManager(o)
	defer lc.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conv, err := o.CreateConversation(ctx, "demo", "scripted alternation demo", "", store.Meta{
		Participants: []store.Participant{
			{AgentID: "alice", Kind: "internal", AgentClass: "scripted",
				Config: json.RawMessage(`{"script":["Hello Bob.","How is interop testing going?","Good to hear. Bye!"]}`)},
			{AgentID: "bob", Kind: "internal", AgentClass: "scripted",
				Config: json.RawMessage(`{"script":["Hello Alice.","Smoothly, all invariants hold."]}`)},
		},
		StartingAgentID: "alice",
	})
	if err != nil {
		return err
	}

	status, err := lc.RunToCompletion(ctx, conv, *timeout)
	if err != nil {
		return err
	}

	events, err := o.Events(ctx, conv, 0, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%4d  t%d/e%d  %-8s %-12s %-6s %s\n",
			ev.Seq, ev.Turn, ev.Event, ev.Type, ev.AgentID, ev.Finality, ev.Payload)
	}
	fmt.Printf("conversation %d finished with status %s\n", conv, status)
	return nil
}
