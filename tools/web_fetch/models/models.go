package models

// Result is the cleaned view of one fetched or rendered page.
type Result struct {
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Links     []string `json:"links,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
	Status    int      `json:"status"`
	RenderMS  int      `json:"render_ms"`
}
