package schema

// ExecRequest is the boundary form of a request to run an executable.
type ExecRequest struct {
	Runner          RunnerKind      `json:"runner"`
	Executable      string          `json:"executable"`
	Args            []string        `json:"args,omitempty"`
	Stdin           string          `json:"stdin,omitempty"`
	WorkingDir      string          `json:"workdir,omitempty"`
	Failsafe        bool            `json:"failsafe,omitempty"`
	ShellName       string          `json:"shell_name,omitempty"`
	ShellCreateMode ShellCreateMode `json:"shell_create_mode,omitempty"`
	Label           string          `json:"label,omitempty"`
	Description     string          `json:"description,omitempty"`
	Help            string          `json:"help,omitempty"`
	PluginAPIHelp   string          `json:"plugin_api_help,omitempty"`
	TranscriptRows  int             `json:"transcript_rows,omitempty"`
	LogLevel        string          `json:"log_level,omitempty"`
	// Plugin marks a command that originated from an external caller.
	Plugin bool          `json:"plugin,omitempty"`
	Result *ResultConfig `json:"result,omitempty"`
}

// ShellSnapshot is a transport-friendly view of a live or pending shell.
type ShellSnapshot struct {
	CommandID  CommandID      `json:"command_id"`
	Label      string         `json:"label"`
	ShellName  string         `json:"shell_name,omitempty"`
	Runner     RunnerKind     `json:"runner"`
	Handle     SessionHandle  `json:"handle,omitempty"`
	Executable string         `json:"executable"`
	Pid        int            `json:"pid,omitempty"`
	State      ExecutionState `json:"state"`
	Pending    bool           `json:"pending,omitempty"`
}

// ShellCounts summarizes registry sizes.
type ShellCounts struct {
	Sessions int `json:"sessions"`
	Tasks    int `json:"tasks"`
	Pending  int `json:"pending"`
}
