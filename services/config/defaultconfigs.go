package config

// -----------------------------------------------------------------------------
// Example configuration
//
// exampleConfigJSON is a worked example of an override file a deployment
// might ship, overriding only the fields it cares about; fields left out
// keep their Default() value after Load's overlay.
// -----------------------------------------------------------------------------

const exampleConfigJSON = `{
  "udp": {
    "bind_port": 9191
  },
  "session": {
    "plugin_factory": "freeplay"
  }
}`
