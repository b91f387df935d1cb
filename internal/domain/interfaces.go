package domain

// QuotePublisher accepts quotes for fan-out
type QuotePublisher interface {
	Publish(q Quote)
}

// QuoteHandler receives decoded quotes on the client side
type QuoteHandler interface {
	HandleQuote(q Quote)
}

// QuoteHandlerFunc adapts a function to QuoteHandler
type QuoteHandlerFunc func(q Quote)

// HandleQuote calls f(q).
func (f QuoteHandlerFunc) HandleQuote(q Quote) {
	f(q)
}
