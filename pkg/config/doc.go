// Package config loads controller configuration.
//
// # Sources
//
// A config file may be YAML, JSON or CUE, chosen by extension. CUE files are
// unified with the embedded #Config schema (schema.cue), so unknown keys and
// out-of-range values are reported with their source position. All formats
// are merged onto Default, then THOR_* environment variables override
// individual fields:
//
//	THOR_COMMIT_ID               pin a build commit
//	THOR_RELEASES_DIR            where builds are unpacked
//	THOR_RELEASES_URL            archive source (http, s3, sftp or directory)
//	THOR_LOCAL_EXECUTABLE_PATH   run this binary, skipping resolution
//	THOR_X_DISPLAY               X display for Linux64
//	THOR_QUALITY                 named quality level
//	THOR_PLATFORM                comma separated platform order
//	THOR_CLOUD_RENDERING         true selects CloudRendering and headless mode
//
// # Example
//
//	width: 600
//	height: 400
//	quality: "High"
//	commits: ["f0825767cd50d69f666c7f282e54abfe58f1e917"]
//	releases_url: "s3://thor-builds/releases"
//	disabled_platforms: ["CloudRendering"]
//	action_timeout: "30s"
//	initialize:
//	  gridSize: 0.25
//	  renderDepthImage: true
//
// # Reloading
//
// Watcher reloads the file when it changes and hands the new Config to a
// callback. PlatformReloader re-applies platform toggles to a registry, which
// affects the next resolution only.
package config
