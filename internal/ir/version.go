package ir

const (
	// MapFormatVersion is the version of the compiled test map JSON format.
	MapFormatVersion = "1"

	// EngineVersion is the navigation engine version recorded in traces.
	EngineVersion = "0.3.0"
)
