// Package client subscribes to a bounty feed server over WebSocket.
//
// The client reconnects with jittered exponential backoff, answers server
// pings, and hands every change to a callback:
//
//	c, err := client.New(client.Config{
//	    ServerURL: "wss://bounties.example.com/ws",
//	    RepoIDs:   []int64{7},
//	    OnChange: func(ch bounty.Change) {
//	        fmt.Printf("%s issue %d\n", ch.Type, ch.IssueID)
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// A subscription the server rejects is reported as *RejectedError and is not
// retried.
package client
