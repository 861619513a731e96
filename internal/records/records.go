package records

// Record shapes served by the upstream store. IDs are opaque strings.

// SearchCreated is the response to a search submission.
type SearchCreated struct {
	SearchID      string `json:"search_id"`
	QueryText     string `json:"query_text"`
	QueryImageURL string `json:"query_image_url,omitempty"`
	PhotoID       string `json:"photo_id,omitempty"`
	Success       bool   `json:"success"`
}

// ResultMatch is one stored match of a finished search.
type ResultMatch struct {
	ID                 string   `json:"id"`
	PhotoID            string   `json:"photo_id,omitempty"`
	PhotoURL           string   `json:"photo_url"`
	FormattedAddress   string   `json:"formatted_address,omitempty"`
	TakenAt            string   `json:"taken_at,omitempty"`
	PhotoAnalysis      string   `json:"photo_analysis,omitempty"`
	IsBestMatch        bool     `json:"is_best_match"`
	ReasonForMatch     string   `json:"reason_for_match,omitempty"`
	InterestingDetails []string `json:"interesting_details,omitempty"`
	Rank               int      `json:"rank"`
	Heading            float64  `json:"heading,omitempty"`
}

// SearchResults is the stored outcome of a search.
type SearchResults struct {
	SearchID       string        `json:"search_id"`
	SearchResultID string        `json:"search_result_id,omitempty"`
	QueryText      string        `json:"query_text"`
	QueryImageURL  string        `json:"query_image_url,omitempty"`
	HasResults     bool          `json:"has_results"`
	Matches        []ResultMatch `json:"matches"`
}

// ChatMessage is one stored message of a match conversation.
type ChatMessage struct {
	ID          string `json:"id"`
	IsUser      bool   `json:"is_user"`
	MessageText string `json:"message_text"`
	CreatedAt   string `json:"created_at"`
}

// ChatHistory is the stored conversation about one match.
type ChatHistory struct {
	ChatID   string        `json:"chat_id"`
	MatchID  string        `json:"match_id"`
	Messages []ChatMessage `json:"messages"`
}

// ChatRequest is the body of a chat stream request.
type ChatRequest struct {
	MatchID string `json:"match_id"`
	Message string `json:"message"`
}
