package dto

// ConversionResponse is returned after a successful submission. Success is
// reported once the input artifact is accepted; queue dispatch failures do
// not change it.
type ConversionResponse struct {
	Success        bool   `json:"success"`
	JobID          string `json:"jobId"`
	Filename       string `json:"filename"`
	Size           int64  `json:"size"`
	UploadedAt     string `json:"uploadedAt"`
	StreamURL      string `json:"streamUrl"`
	DownloadURL    string `json:"downloadUrl"`
	OutputFilename string `json:"outputFilename"`
}

// ErrorResponse is the structured error body for 4xx/5xx responses.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
