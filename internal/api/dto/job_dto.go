package dto

type JobOptions struct {
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
}

type CreateJobRequest struct {
	SourceType       string     `json:"source_type" binding:"required"`
	SourceURI        string     `json:"source_uri" binding:"required"`
	OriginalFilename string     `json:"original_filename"`
	Options          JobOptions `json:"options"`
}

type CreateJobResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID            string     `json:"job_id"`
	Status           string     `json:"status"`
	Detail           string     `json:"detail"`
	SourceType       string     `json:"source_type"`
	SourceURI        string     `json:"source_uri"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	Options          JobOptions `json:"options"`
	RetryCount       int        `json:"retry_count"`
	LastErrorKind    string     `json:"last_error_kind,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	CreatedAt        string     `json:"created_at"`
	UpdatedAt        string     `json:"updated_at"`
}

type TimelineEventDTO struct {
	Status     string `json:"status"`
	Detail     string `json:"detail"`
	Originator string `json:"originator"`
	CreatedAt  string `json:"created_at"`
}

type TimelineResponse struct {
	JobID  string             `json:"job_id"`
	Events []TimelineEventDTO `json:"events"`
}

type JobResultResponse struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	Detail         string            `json:"detail"`
	TranslatedText string            `json:"translated_text,omitempty"`
	Artifacts      map[string]string `json:"artifacts"`
}

type CancelJobRequest struct {
	Reason string `json:"reason"`
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Result string `json:"result"`
	Status string `json:"status,omitempty"`
}

type StatusReportRequest struct {
	JobID        string            `json:"job_id" binding:"required"`
	Status       string            `json:"status" binding:"required"`
	Detail       string            `json:"detail"`
	Originator   string            `json:"originator"`
	Attempt      int               `json:"attempt"`
	Artifacts    map[string]string `json:"artifacts"`
	ErrorKind    string            `json:"error_kind"`
	ErrorMessage string            `json:"error_message"`
}

type StatusReportResponse struct {
	Result string `json:"result"`
}
