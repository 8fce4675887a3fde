package version

// Version is the engine version reported in the scan summary.
var Version = "0.1.0"
