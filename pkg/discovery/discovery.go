// Package discovery resolves a cluster type and name into its broker list
// using YAML topology files, one per cluster type.
package discovery

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clusterrebootd/kafka-rolling/pkg/broker"
	"github.com/clusterrebootd/kafka-rolling/pkg/config"
)

const (
	// DefaultBasePath is consulted when neither a flag nor the environment
	// names a discovery directory.
	DefaultBasePath = "/etc/kafka_discovery"
	// BasePathEnv overrides DefaultBasePath.
	BasePathEnv = "KAFKA_DISCOVERY_DIR"
)

// ClusterConfig describes one named cluster of a cluster type.
type ClusterConfig struct {
	Type    string
	Name    string
	Brokers []broker.Broker
}

type topologyFile struct {
	Clusters    map[string]clusterEntry `yaml:"clusters"`
	LocalConfig struct {
		Cluster string `yaml:"cluster"`
	} `yaml:"local_config"`
}

type clusterEntry struct {
	Brokers []brokerEntry `yaml:"brokers"`
}

type brokerEntry struct {
	ID   *int   `yaml:"id"`
	Host string `yaml:"host"`
}

// ResolveBasePath picks the discovery directory from the flag, then the
// environment, then the default.
func ResolveBasePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(BasePathEnv)); env != "" {
		return env
	}
	return DefaultBasePath
}

// GetClusterConfig loads <basePath>/<clusterType>.yaml and selects the named
// cluster. An empty name selects local_config.cluster.
func GetClusterConfig(clusterType, clusterName, basePath string) (ClusterConfig, error) {
	if strings.TrimSpace(clusterType) == "" {
		return ClusterConfig{}, config.Problemf("cluster type is required")
	}
	path := filepath.Join(ResolveBasePath(basePath), clusterType+".yaml")
	f, err := os.Open(path)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("open topology: %w", err)
	}
	defer f.Close()
	return decode(f, clusterType, clusterName)
}

func decode(r io.Reader, clusterType, clusterName string) (ClusterConfig, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var topo topologyFile
	if err := decoder.Decode(&topo); err != nil && !errors.Is(err, io.EOF) {
		return ClusterConfig{}, fmt.Errorf("parse topology: %w", err)
	}

	name := strings.TrimSpace(clusterName)
	if name == "" {
		name = strings.TrimSpace(topo.LocalConfig.Cluster)
	}
	if name == "" {
		return ClusterConfig{}, config.Problemf("no cluster name given and %s topology has no local_config.cluster", clusterType)
	}

	entry, ok := topo.Clusters[name]
	if !ok {
		known := make([]string, 0, len(topo.Clusters))
		for k := range topo.Clusters {
			known = append(known, k)
		}
		sort.Strings(known)
		return ClusterConfig{}, config.Problemf("cluster %q not found in %s topology (known: %s)", name, clusterType, strings.Join(known, ", "))
	}

	problems := make([]string, 0)
	brokers := make([]broker.Broker, 0, len(entry.Brokers))
	for i, b := range entry.Brokers {
		if b.ID == nil {
			problems = append(problems, fmt.Sprintf("clusters.%s.brokers[%d]: id is required", name, i))
			continue
		}
		brokers = append(brokers, broker.Broker{ID: *b.ID, Host: strings.TrimSpace(b.Host)})
	}
	if len(problems) > 0 {
		return ClusterConfig{}, &config.ValidationError{Problems: problems}
	}

	return ClusterConfig{Type: clusterType, Name: name, Brokers: brokers}, nil
}

// GetBrokerList returns the cluster's brokers in ascending ID order.
func GetBrokerList(cluster ClusterConfig) (broker.List, error) {
	if len(cluster.Brokers) == 0 {
		return nil, config.Problemf("cluster %q has no brokers", cluster.Name)
	}
	return broker.NewList(cluster.Brokers)
}
