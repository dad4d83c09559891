package schema

import _ "embed"

// ProcessesV1Schema contains the JSON schema for the processes file.
//
//go:embed processes.v1.json
var ProcessesV1Schema []byte
