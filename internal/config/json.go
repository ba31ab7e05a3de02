package config

import "encoding/json"

// ToJSON serializes the Config tree. Child order is preserved because
// Children is a plain slice field, so set -> emit -> parse -> compare round
// trips structurally.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// FromJSON parses a Config tree previously produced by ToJSON.
func FromJSON(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
