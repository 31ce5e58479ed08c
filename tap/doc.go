// Package tap provides a client for consuming repository mutation events
// from a tap relay websocket channel.
//
// The client owns the subscription lifecycle: it dials the channel,
// dispatches events to a handler with bounded concurrency (ordered per
// account DID), acknowledges handled events, and on any connection
// failure waits a fixed interval and reconnects, indefinitely.
//
// Basic usage:
//
//	handler := func(ctx context.Context, ev *tap.Event) error {
//		switch ev.Type {
//		case tap.EventTypeRecord:
//			fmt.Printf("record: %s %s/%s\n", ev.Record.Action, ev.Record.Collection, ev.Record.Rkey)
//		case tap.EventTypeIdentity:
//			fmt.Printf("identity: %s %s\n", ev.Identity.Did, ev.Identity.Status)
//		}
//		return nil
//	}
//
//	ws, err := tap.NewWebsocket("wss://example.com/channel", handler,
//		tap.WithLogger(slog.Default()),
//		tap.WithParallelism(50),
//	)
//	if err != nil {
//		// handle error...
//	}
//
//	if err := ws.Run(ctx); err != nil {
//		// handle error...
//	}
//
// Returning an error from the handler leaves the event unacknowledged, so
// the relay redelivers it after its retry timeout.
package tap
