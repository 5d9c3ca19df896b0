package metrics

// Config contains the configuration for the metric collection, trimmed to
// the fields the bridge validator node actually exercises: local
// gauge/counter collection plus optional InfluxDB v1/v2 export. The
// protocol-layer knobs the chain client's own Config carried (HTTP/Port
// for its local debug endpoint) are dropped since this node exposes no
// local HTTP metrics server of its own.
type Config struct {
	Enabled bool `toml:",omitempty"`

	EnableInfluxDB   bool   `toml:",omitempty"`
	InfluxDBEndpoint string `toml:",omitempty"`
	InfluxDBDatabase string `toml:",omitempty"`
	InfluxDBUsername string `toml:",omitempty"`
	InfluxDBPassword string `toml:",omitempty"`
	InfluxDBTags     string `toml:",omitempty"`

	EnableInfluxDBV2     bool   `toml:",omitempty"`
	InfluxDBToken        string `toml:",omitempty"`
	InfluxDBBucket       string `toml:",omitempty"`
	InfluxDBOrganization string `toml:",omitempty"`
}

// DefaultConfig is the default metrics config for the bridge validator
// node: collection on, export off until an operator supplies InfluxDB
// credentials.
var DefaultConfig = Config{
	Enabled:          true,
	EnableInfluxDB:   false,
	InfluxDBEndpoint: "http://localhost:8086",
	InfluxDBDatabase: "bridgevalidator",
	InfluxDBTags:     "host=localhost",

	EnableInfluxDBV2:     false,
	InfluxDBBucket:       "bridgevalidator",
	InfluxDBOrganization: "bridgevalidator",
}
