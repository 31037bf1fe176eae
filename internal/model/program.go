package model

// ProgramRequest is the body of a program submission.
type ProgramRequest struct {
	Server           string `json:"server,omitempty"`
	Code             string `json:"code"`
	ServerLogPath    string `json:"serverlogpath,omitempty"`
	ServerOutputPath string `json:"serveroutputpath,omitempty"`
}
