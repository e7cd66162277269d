// Package event provides the in-process event bus the chat store publishes
// state changes on.
//
// Topics are plain names such as "messageAdded". A subscription to the
// wildcard topic "*" receives every event.
//
// Delivery is synchronous: Publish runs each matching handler in the
// publisher's goroutine, in subscription order, before it returns. Handlers
// that need to do slow work hand it off themselves. A failing or panicking
// handler does not stop delivery to the others; its failure is reported in
// the error Publish returns.
//
// Basic usage:
//
//	bus := event.NewBus()
//	_ = bus.Start()
//	defer bus.Stop(ctx)
//
//	sub, _ := bus.Subscribe("messageAdded", func(ctx context.Context, ev event.Event) error {
//		log.Println(ev.Topic, ev.Payload)
//		return nil
//	})
//	defer sub.Cancel()
//
//	_ = bus.Publish(ctx, "messageAdded", msg)
package event
