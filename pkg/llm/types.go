package llm

// Part is one piece of a message's content: either text or an inline PNG
// image. Multimodal providers receive parts in order.
type Part struct {
	Text  string
	Image []byte // raw PNG bytes, base64-encoded by the provider
}

// TextPart builds a text-only content part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ImagePart builds an image content part from raw PNG bytes.
func ImagePart(png []byte) Part {
	return Part{Image: png}
}

// Message represents a chat message in a conversation.
type Message struct {
	Role  string
	Parts []Part
}

// Text builds a single-part text message.
func Text(role, content string) Message {
	return Message{Role: role, Parts: []Part{TextPart(content)}}
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content string
	Usage   Usage
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
