// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "github.com/tombee/agentlens/pkg/errors"

// Service profiles. These tune the service-side knobs only; SDK
// behavior is configured separately through TRACE_* variables.
const (
	ProfileProduction  = "production"
	ProfileDevelopment = "development"
	ProfileDebug       = "debug"
)

// ApplyProfile overlays a named profile onto the configuration.
//
//   - production: JSON logs at info, rate limiting on.
//   - development: text logs at debug.
//   - debug: text logs at debug, rate limiting off.
func (c *Config) ApplyProfile(name string) error {
	switch name {
	case ProfileProduction:
		c.Log.Level = "info"
		c.Log.Format = "json"
		c.RateLimit.Enabled = true
	case ProfileDevelopment:
		c.Log.Level = "debug"
		c.Log.Format = "text"
	case ProfileDebug:
		c.Log.Level = "debug"
		c.Log.Format = "text"
		c.RateLimit.Enabled = false
	default:
		return &errors.ConfigError{
			Key:    "profile",
			Reason: "unknown profile " + name + " (want production, development, or debug)",
		}
	}
	return nil
}
