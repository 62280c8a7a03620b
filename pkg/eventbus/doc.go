// Package eventbus provides the in-process publish/subscribe bus shared by the
// state machine, the error handler and the exploration driver.
//
// Listeners subscribe to a topic (or to every topic with SubscribeAll). Emit
// delivers an event to the current listeners of its topic concurrently and
// waits for all of them to settle. A failing or panicking listener is logged
// and never affects its siblings or the emitter.
//
// Basic usage:
//
//	bus := eventbus.New(eventbus.DefaultConfig(), logger)
//	unsubscribe, err := bus.Subscribe(eventbus.TopicStateChanged, func(ctx context.Context, ev eventbus.Event) error {
//		fmt.Println(ev.Message)
//		return nil
//	})
//	if err != nil {
//		return err
//	}
//	defer unsubscribe()
//
//	bus.Publish(ctx, eventbus.TopicStateChanged, "machine", payload)
package eventbus
