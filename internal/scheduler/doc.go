// Package scheduler runs the periodic work the routing engine never starts
// on its own: draining queues when operators free up and expiring transfers
// nobody accepted.
//
//	s := scheduler.New(engine, store, scheduler.Options{
//	    DrainInterval: 5 * time.Second,
//	    SweepInterval: 30 * time.Second,
//	})
//	s.Start(ctx)
//	defer s.Close()
//
// Drains run per tenant under the identity SystemUser, so tenants never share
// a unit of work. Several gateways may run schedulers against one database;
// every assignment is a conditional write and a lost claim is simply skipped.
package scheduler
