package adapter

// TokenCounter estimates the prompt size used for pricing.
type TokenCounter interface {
	Count(text string) (int, error)
}
