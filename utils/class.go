package utils

// Recognition oracle
type OracleRequest struct {
	Modality    string   `json:"modality"`
	Instruction string   `json:"instruction,omitempty"`
	Label       string   `json:"label,omitempty"`
	Images      []string `json:"images,omitempty"`
	Audio       string   `json:"audio,omitempty"`
}

type OracleBox struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"` // left, top, right, bottom
}

type OracleResponse struct {
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Answers    []string    `json:"answers,omitempty"`
	Indices    []int       `json:"indices,omitempty"`
	Point      *[2]float64 `json:"point,omitempty"`
	Text       string      `json:"text,omitempty"`
	Value      *float64    `json:"value,omitempty"`
	Detections []OracleBox `json:"detections,omitempty"`
	// network input resolution of the detector
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// XEvil style submit/poll
type XEvilResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Captcha detection service
type DetectRequest struct {
	Screenshot string `json:"screenshot"`
}

type DetectResult struct {
	BBox []float64 `json:"bbox"`
	Type string    `json:"type"`
}

type DetectResponse struct {
	Detected bool           `json:"detected"`
	Results  []DetectResult `json:"results"`
	DetTime  float64        `json:"det_time"`
	RecTime  float64        `json:"rec_time"`
}

// Phishing detection service
type PhishRequest struct {
	Domain           string   `json:"domain"`
	EffectiveDomains []string `json:"effective_domains"`
	HTMLCodes        []string `json:"html_codes"`
	Screenshots      []string `json:"screenshots"`
}

type PhishResult struct {
	PredCategory bool    `json:"pred_category"`
	PredTarget   *string `json:"pred_target"`
	PredTime     float64 `json:"pred_time"`
	HasCRP       bool    `json:"has_crp"`
}

type PhishResponse struct {
	Verdict bool          `json:"verdict"`
	Results []PhishResult `json:"results"`
}

// Notification poller
type PollRequest struct {
	CrawlMode string `json:"crawl_mode"`
	SampleID  string `json:"sample_id"`
}

// VirusTotal url submission
type VTSubmitResponse struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}
