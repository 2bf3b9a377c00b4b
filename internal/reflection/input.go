package reflection

// Message is one line of a finished conversation.
type Message struct {
	SpeakerID string `json:"speakerId"`
	Content   string `json:"content"`
}

// Input describes a conversation that just ended.
type Input struct {
	AgentID         string
	PlayerID        string
	PlayerName      string
	WorldID         string
	ConversationID  string
	OtherPlayerID   string
	OtherPlayerName string
	Messages        []Message
}
