package schemas

import "time"

// -- Page Schemas --

// PageStatus tracks a discovered page through the crawl.
type PageStatus string

const (
	PageDiscovered PageStatus = "discovered"
	PageCrawled    PageStatus = "crawled"
	PageFailed     PageStatus = "failed"
)

// Page is a URL found during the crawl.
type Page struct {
	ID       string     `json:"id"`
	URL      string     `json:"url"`
	Depth    int        `json:"depth"`
	Priority int        `json:"priority"`
	Status   PageStatus `json:"status"`
	// Claimed is set once a crawl step has taken ownership of the page.
	Claimed  bool      `json:"claimed"`
	Analyzed bool      `json:"analyzed"`
	Error    string    `json:"error,omitempty"`
	FoundAt  time.Time `json:"found_at"`
	// Order is the discovery sequence number, used as the final tie breaker.
	Order int `json:"order"`
}

// ConsoleLog is one browser console entry.
type ConsoleLog struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	URL       string    `json:"url,omitempty"`
	Line      int       `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkRequest is a completed request observed while loading the page.
type NetworkRequest struct {
	URL          string  `json:"url"`
	Method       string  `json:"method"`
	StatusCode   int     `json:"status_code"`
	ResourceType string  `json:"resource_type,omitempty"`
	MimeType     string  `json:"mime_type,omitempty"`
	DurationMs   float64 `json:"duration_ms,omitempty"`
}

// NetworkError is a request that failed outright or returned an error status.
type NetworkError struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	StatusCode   int    `json:"status_code,omitempty"`
	ErrorText    string `json:"error_text,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
}

// FormField is a single input inside a form.
type FormField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Form describes an HTML form found on the page.
type Form struct {
	ID     string      `json:"id,omitempty"`
	Action string      `json:"action"`
	Method string      `json:"method"`
	Fields []FormField `json:"fields"`
}

// PerformanceMetrics holds navigation timing data for the page.
type PerformanceMetrics struct {
	LoadTimeMs             float64 `json:"load_time_ms"`
	DOMContentLoadedMs     float64 `json:"dom_content_loaded_ms"`
	FirstContentfulPaintMs float64 `json:"first_contentful_paint_ms"`
	ResourceCount          int     `json:"resource_count"`
	TransferSizeBytes      int64   `json:"transfer_size_bytes"`
}

// PageData is everything the browser collaborator extracted from one page.
type PageData struct {
	PageID          string             `json:"page_id"`
	URL             string             `json:"url"`
	Title           string             `json:"title"`
	ConsoleLogs     []ConsoleLog       `json:"console_logs"`
	NetworkRequests []NetworkRequest   `json:"network_requests"`
	NetworkErrors   []NetworkError     `json:"network_errors"`
	Forms           []Form             `json:"forms"`
	Links           []string           `json:"links"`
	Performance     PerformanceMetrics `json:"performance_metrics"`
	ScreenshotRef   string             `json:"screenshot_ref,omitempty"`
	// TextSample is a bounded excerpt of the visible text for model analysis.
	TextSample  string    `json:"text_sample,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}
