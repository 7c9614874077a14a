package batchling

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/batchling/batchling/provider"
)

// overrideFile is the schema [WithConfigFile] decodes: per-adapter extra
// hostnames to treat as batchable, for self-hosted gateways or
// cloud-specific endpoint swaps (an Azure OpenAI deployment, a private
// proxy) that serve a provider's API shape under a host its adapter
// wasn't built with.
type overrideFile struct {
	Adapters map[string]struct {
		Hostnames []string `yaml:"hostnames"`
	} `yaml:"adapters"`
}

// hostnameAdder is implemented by provider.Base, which every bundled
// adapter embeds, so loadHostnameOverrides can widen an adapter's matched
// hosts without knowing anything about the adapter beyond its name.
type hostnameAdder interface {
	AddHostnames(hosts ...string)
}

// loadHostnameOverrides reads path as YAML and, for each adapter key it
// names, registers the listed hostnames against that adapter in registry.
func loadHostnameOverrides(path string, registry *provider.Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("batchling: reading config file: %w", err)
	}
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("batchling: decoding config file: %w", err)
	}
	for name, entry := range f.Adapters {
		adapter, ok := registry.ByName(name)
		if !ok {
			return fmt.Errorf("batchling: config file references unknown adapter %q", name)
		}
		adder, ok := adapter.(hostnameAdder)
		if !ok {
			return fmt.Errorf("batchling: adapter %q does not support hostname overrides", name)
		}
		adder.AddHostnames(entry.Hostnames...)
	}
	return nil
}
