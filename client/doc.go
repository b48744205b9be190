// Package client is the Go client for wander conversations.
//
// API talks to the REST surface, DeliverySession owns the realtime connection of one
// user, and ConversationView combines both into a Timeline that renders each message
// exactly once no matter how many paths delivered it:
//
//	api, _ := client.NewAPI("https://chat.example", sess)
//	ds := client.NewDeliverySession(client.WSURL("https://chat.example"), sess)
//	defer ds.Close()
//
//	view, _ := client.NewConversationView(api, ds, conversationID)
//	view.OnChange(render)
//	if err := view.Open(ctx); err != nil { ... }
//	_, err := view.Send(ctx, v1.Text{Body: "hi"})
package client
