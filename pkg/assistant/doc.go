// Package assistant runs storefront chat conversations against a provider.
//
// A Manager opens Conversations. Each Conversation owns one provider session
// and its transcript, and runs user turns through the state machine
//
//	idle -> streaming -> [tools_pending -> tools_executing -> streaming]* -> committed | failed -> idle
//
// Invariants:
//   - Every user turn ends with exactly one assistant or system-error message,
//     however many tool round-trips it took.
//   - At most one turn runs per conversation; a second one is rejected or
//     queued depending on TurnPolicy.
//   - The visible user message holds the raw text; the page context is only
//     added to what is sent to the provider.
//   - After Close, no assistant message is committed for a cancelled turn.
//
// Usage:
//
//	mgr, _ := assistant.NewManager(assistant.Config{Client: client, Tools: tools, Profiles: profiles})
//	conv, _ := mgr.Open(ctx, assistant.OpenParams{Identity: &prompt.Identity{Email: "a@x.com"}})
//	defer conv.Close()
//	err := conv.SubmitTurn(ctx, assistant.TurnInput{Text: "đơn hàng của tôi"})
package assistant
