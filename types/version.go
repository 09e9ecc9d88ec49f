package types

// Version is the canonical project version, shared by the API server, the
// worker, and the CLI.
const Version = "0.3.0"
