// Package config loads the node's JSON configuration file and expands
// "${VAR}" references against an explicit environment map embedded in
// the file itself, not the process environment — so a config file is
// fully self-describing and reproducible outside the host that wrote
// it.
//
// The ParseConfig/applySubstitutions/substString trio, the
// reflect-based struct walk, and the regexp carry over unchanged;
// only the GNS/DHT/Namecache service-endpoint structs are replaced
// with this node's identity and networking settings.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// NetworkConfig holds the port and address settings for one node.
type NetworkConfig struct {
	DiscoveryPort int    `json:"discoveryPort"` // UDP port for the discovery beacon
	MessagingPort int    `json:"messagingPort"` // TCP port for TEXT/QUIT frames
	BroadcastAddr string `json:"broadcastAddr"` // destination address for beacons
}

// StatusConfig holds the status/control HTTP surface's bind address.
type StatusConfig struct {
	Addr string `json:"addr"` // host:port the status server listens on
}

// Environ is the dictionary of named substitutions applied to every
// string field in Config before it is used.
type Environ map[string]string

// Config is the aggregated configuration for one peerbeacon node.
type Config struct {
	Env      Environ        `json:"environ"`
	Username string         `json:"username"`
	LogLevel int            `json:"logLevel"` // one of the logger.* level constants
	Network  *NetworkConfig `json:"network"`
	Status   *StatusConfig  `json:"status"`
}

// Cfg is the global configuration, set by ParseConfig.
var Cfg *Config

// Default returns a Config populated with the tunables the CLI front
// end falls back to when no config file is given.
func Default() *Config {
	return &Config{
		Username: "anon",
		LogLevel: logger.INFO,
		Network: &NetworkConfig{
			DiscoveryPort: 50000,
			MessagingPort: 50001,
			BroadcastAddr: "255.255.255.255",
		},
		Status: &StatusConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}

// ParseConfig reads a JSON-encoded configuration file, unmarshals it
// into Config, and applies every "${VAR}" substitution declared in its
// own Env map.
func ParseConfig(fileName string) error {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	Cfg = new(Config)
	if err := json.Unmarshal(file, Cfg); err != nil {
		return err
	}
	applySubstitutions(Cfg, Cfg.Env)
	return nil
}

var rx = regexp.MustCompile(`\$\{([^\}]*)\}`)

// substString substitutes every "${name}" occurrence in s for which
// name is present in env.
func substString(s string, env map[string]string) string {
	matches := rx.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		subst, ok := env[m[1]]
		if !ok {
			continue
		}
		s = strings.Replace(s, "${"+m[1]+"}", subst, -1)
	}
	return s
}

// applySubstitutions walks x (a struct or pointer to struct) and
// repeatedly substitutes every string field against env until no
// further substitution changes it, so that one variable's expansion
// may itself reference another.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.Interface().(string)
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s", s, s1)
					fld.SetString(s1)
					s = s1
				}
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				e := fld.Elem()
				if e.IsValid() {
					process(fld.Elem())
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Ptr:
		e := v.Elem()
		if e.IsValid() {
			process(e)
		}
	case reflect.Struct:
		process(v)
	}
}
