package am

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/metronome/errors"
)

var validate = newValidator()

// newValidator reports field errors using the TOML key names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.Newf("%s: failed %q validation (got %v)",
				configKey(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return errors.Wrap(err, "invalid config")
	}

	if c.Placement.Inventory == "static" && len(c.Placement.Hosts) == 0 {
		return errors.New("placement.hosts must declare at least one host when placement.inventory = \"static\"")
	}
	if c.Placement.Inventory == "etcd" {
		if len(c.Placement.Etcd.Endpoints) == 0 {
			return errors.New("placement.etcd.endpoints cannot be empty when placement.inventory = \"etcd\"")
		}
		if c.Placement.Etcd.TTLSeconds > 0 && c.Placement.Etcd.HeartbeatSeconds >= c.Placement.Etcd.TTLSeconds {
			return errors.Newf("placement.etcd.heartbeat_seconds (%d) must be shorter than ttl_seconds (%d)",
				c.Placement.Etcd.HeartbeatSeconds, c.Placement.Etcd.TTLSeconds)
		}
	}

	if c.Executor.Backend == "agent" && c.Placement.Inventory != "etcd" {
		return errors.New("executor.backend = \"agent\" requires placement.inventory = \"etcd\"")
	}

	seen := make(map[string]bool, len(c.Placement.Hosts))
	for _, h := range c.Placement.Hosts {
		if seen[h.ID] {
			return errors.Newf("placement.hosts: duplicate host id %q", h.ID)
		}
		seen[h.ID] = true
	}

	if c.Server.GRPCHealthPort != 0 && c.Server.GRPCHealthPort == c.Server.Port {
		return errors.Newf("server.grpc_health_port cannot equal server.port (%d)", c.Server.Port)
	}

	return nil
}

// configKey strips the root type from a validator namespace (Config.runs.history_limit)
func configKey(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
