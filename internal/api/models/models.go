package models

import "time"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version         string `json:"version" example:"dev" doc:"Application version"`
	GitCommit       string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate       string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	GoVersion       string `json:"go_version" example:"go1.24.11" doc:"Go compiler version"`
	Platform        string `json:"platform" example:"linux/amd64" doc:"Platform"`
	ExifToolVersion string `json:"exiftool_version,omitempty" example:"13.10" doc:"Version reported by the running worker"`
}

type VersionResponse struct {
	Body VersionData
}

// Worker models
type WorkerData struct {
	State        string     `json:"state" enum:"not_running,starting,running" example:"running" doc:"Worker lifecycle state"`
	PID          int        `json:"pid,omitempty" example:"4242" doc:"Worker process id"`
	Instance     string     `json:"instance,omitempty" example:"5f0c6a1e-8d43-4c53-9a59-0f1f3b1c2d4e" doc:"Identifier of the current worker spawn"`
	Program      string     `json:"program" example:"/usr/bin/exiftool" doc:"Worker program"`
	Interpreter  string     `json:"interpreter,omitempty" example:"/usr/bin/perl" doc:"Interpreter running the program"`
	StartedAt    *time.Time `json:"started_at,omitempty" doc:"When the current worker was spawned"`
	RestartCount int        `json:"restart_count" example:"0" doc:"Successful restarts since startup"`
	LastError    string     `json:"last_error,omitempty" example:"worker exited: exit code 1" doc:"Most recent start or exit error"`
	QueueLength  int        `json:"queue_length" example:"0" doc:"Commands waiting for dispatch"`
	Busy         bool       `json:"busy" example:"false" doc:"Whether a command is in dispatch"`
	Unretrieved  int        `json:"unretrieved" example:"0" doc:"Completed results not yet taken"`
}

type WorkerResponse struct {
	Body WorkerData
}

type WorkerProgramRequest struct {
	Body struct {
		Program string  `json:"program" example:"/usr/local/bin/exiftool" doc:"Path to exiftool, a directory containing it, or empty for PATH lookup"`
		Perl    *string `json:"perl,omitempty" example:"/usr/bin/perl" doc:"Interpreter to run the program with; empty string clears it"`
	}
}

// Command models
type CommandRequest struct {
	Body struct {
		Args   []string `json:"args" example:"[\"-json\",\"/photos/a.jpg\"]" doc:"Arguments, one per line on the worker's stdin"`
		Action string   `json:"action,omitempty" example:"load_metadata" doc:"Action tag echoed back with the result"`
	}
}

type CommandSubmitData struct {
	ID     int    `json:"id" example:"42" doc:"Correlation id to fetch the result with"`
	Action string `json:"action" example:"load_metadata" doc:"Action tag"`
}

type CommandSubmitResponse struct {
	Body CommandSubmitData
}

type CommandIDInput struct {
	ID int `path:"id" minimum:"1" example:"42" doc:"Correlation id"`
}

type CommandWaitInput struct {
	ID        int `path:"id" minimum:"1" example:"42" doc:"Correlation id"`
	TimeoutMs int `query:"timeout_ms" minimum:"0" maximum:"600000" example:"10000" doc:"How long to wait; 0 uses the server default"`
}

type CommandResultData struct {
	ID             int     `json:"id" example:"42" doc:"Correlation id"`
	Action         string  `json:"action" example:"load_metadata" doc:"Action tag"`
	Status         string  `json:"status" enum:"command,error,finish" example:"command" doc:"Terminal status"`
	ElapsedMs      float64 `json:"elapsed_ms" example:"12.5" doc:"Time from dispatch to completion"`
	Output         string  `json:"output" doc:"Worker stdout for the command"`
	Diagnostic     string  `json:"diagnostic,omitempty" doc:"Worker stderr for the command"`
	OutputEncoding string  `json:"output_encoding" enum:"utf8,base64" example:"utf8" doc:"Encoding of output and diagnostic"`
	Instance       string  `json:"instance,omitempty" doc:"Worker spawn that produced the result"`
	Error          string  `json:"error,omitempty" example:"worker exited: exit code 1" doc:"Failure cause"`
}

type CommandResultResponse struct {
	Body CommandResultData
}

// Log models
type LogsInput struct {
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Newest entries to return (0 returns all)"`
	Module string `query:"module" example:"supervisor" doc:"Only entries from this module"`
	Level  string `query:"level" enum:"debug,info,warn,error" default:"debug" doc:"Minimum level"`
}

type LogEntryData struct {
	Time       time.Time      `json:"time" doc:"Record timestamp"`
	Level      string         `json:"level" example:"warn" doc:"Record level"`
	Module     string         `json:"module,omitempty" example:"exiftool" doc:"Logger module"`
	Message    string         `json:"message" example:"Worker stderr" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes, groups joined with dots"`
}

type LogsData struct {
	Entries []LogEntryData `json:"entries" doc:"Entries, oldest first"`
}

type LogsResponse struct {
	Body LogsData
}
