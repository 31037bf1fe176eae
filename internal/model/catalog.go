package model

// Server is an execution target known to the metadata collaborator.
type Server struct {
	Name       string `json:"name"`
	IsAssigned bool   `json:"isassigned"`
}

// Library is a libref defined on a server.
type Library struct {
	Name       string `json:"name"`
	Libref     string `json:"libref"`
	IsAssigned bool   `json:"isassigned"`
}

// Dataset is a member of a library.
type Dataset struct {
	Member string `json:"member"`
	Libref string `json:"libref"`
	Server string `json:"server"`
}

// Column describes one variable of a dataset.
type Column struct {
	Name     string `json:"name" yaml:"name"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Length   int    `json:"length,omitempty" yaml:"length,omitempty"`
	Format   string `json:"format,omitempty" yaml:"format,omitempty"`
	Informat string `json:"informat,omitempty" yaml:"informat,omitempty"`
}

// Preview is the tabular head of a dataset extracted through a program run.
type Preview struct {
	Server   string              `json:"server,omitempty"`
	Libref   string              `json:"libref"`
	Member   string              `json:"member"`
	JobID    string              `json:"jobid,omitempty"`
	Limit    int                 `json:"limit"`
	RowCount int                 `json:"rowcount"`
	Columns  []Column            `json:"columns"`
	Rows     []map[string]string `json:"rows"`
}
