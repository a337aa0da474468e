// Package runtime wires storage, indices, cluster view and subscriber
// cleanup into a single-node pagedtopic instance. It exposes Open/Close,
// basic health checks, and helpers to obtain topic services, publishers
// and subscribers.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	// Health
//	_ = rt.CheckHealth(context.Background())
//	// Publish one element and wait for its position
//	pub, _ := rt.NewPublisher(ctx, "orders", publisher.Options{})
//	fut, _ := pub.Publish([]byte("hello"))
//	status, _ := fut.Wait(ctx)
//	// Consume as group "billing"
//	sub, _ := rt.NewSubscriber(ctx, "orders", subscriber.Options{Group: "billing"})
//	_ = sub.Connect(ctx)
//	msgs, _ := sub.Receive(ctx, 10)
package runtime
