package build

// Request is the build submission body shared by the HTTP gateway, the queue
// controller and the pipeline.
type Request struct {
	Branch          string   `json:"branch"`
	CommitID        string   `json:"commit_id"`
	PkgFlag         string   `json:"pkg_flag"`
	IsUpdate        bool     `json:"is_update"`
	IsX64           bool     `json:"is_x64"`
	Architectures   []string `json:"architectures"`
	Platform        string   `json:"platform"`
	IsIncrement     bool     `json:"is_increment"`
	IsSigned        bool     `json:"is_signed"`
	Server          string   `json:"server"`
	CustomArgs      []string `json:"custom_args"`
	Emails          []string `json:"emails"`
	InstallerFormat string   `json:"installer_format"`
}

// Arches returns the requested architectures, defaulting to x64.
func (r *Request) Arches() []string {
	if len(r.Architectures) == 0 {
		return []string{"x64"}
	}
	return r.Architectures
}

// MultiArch reports whether the request fans out into parent plus children.
func (r *Request) MultiArch() bool {
	return len(r.Arches()) > 1
}
