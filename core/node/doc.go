// Package node assembles one cluster member from its parts: the cluster
// task mux, the dispatcher, the session registry, the room service and the
// membership reconciler, all sharing one transport.
//
// # Basic Usage
//
//	transport, err := nats.NewTransport(ctx, nats.TransportConfig{URL: natsURL})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	member, err := node.Run(node.Config{
//	    Transport: transport,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer member.Stop()
//
//	// register a connection accepted by the protocol layer
//	key := address.Client("alice@example.org/phone")
//	err = member.Sessions().RegisterLocal(ctx, key, session.NewLocal(session.LocalOptions{
//	    Key:     key,
//	    Display: "alice@example.org/phone",
//	    Deliver: conn.Write,
//	}), true)
//
//	// any node resolves the session transparently, local or not
//	s, err := member.Sessions().Resolve(key)
//	s.DeliverRaw(ctx, payload)
//
// Multiple in-process nodes can be clustered over a [cluster.MemoryHub] for
// tests; production deployments use the NATS transport.
package node
