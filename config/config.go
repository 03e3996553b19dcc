// Package config loads the node's YAML configuration files (spec.md
// §6: cluster.yaml, node.yaml, users.yaml) with gopkg.in/yaml.v2, the
// teacher pack's YAML dependency, and resolves them into the
// cluster/pearl/backend types the rest of the module runs on.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/gholt/bob"
	"github.com/gholt/bob/cluster"
	"github.com/gholt/bob/pearl"
)

// ClusterFile mirrors cluster.yaml (spec.md §6).
type ClusterFile struct {
	Nodes []struct {
		Name bob.NodeName `yaml:"name"`
	} `yaml:"nodes"`
	VDisks []struct {
		ID       bob.VDiskID `yaml:"id"`
		Replicas []struct {
			Node bob.NodeName `yaml:"node"`
			Disk bob.DiskName `yaml:"disk"`
			Path bob.DiskPath `yaml:"path"`
		} `yaml:"replicas"`
	} `yaml:"vdisks"`
}

// PearlConfigFile mirrors the pearl config block embedded in node.yaml.
type PearlConfigFile struct {
	MaxBlobSize        int64  `yaml:"max_blob_size"`
	MaxDataInBlob       int64  `yaml:"max_data_in_blob"`
	BlobFileNamePrefix string `yaml:"blob_file_name_prefix"`
	BloomFilter        struct {
		MaxBufBitsCount uint `yaml:"max_buf_bits_count"`
		Elements        uint `yaml:"elements"`
	} `yaml:"bloom_filter"`
	FailRetryTimeoutMS int  `yaml:"fail_retry_timeout"`
	AlienDisk          bool `yaml:"alien_disk"`
	AllowDuplicates    bool `yaml:"allow_duplicates"`
	Settings           struct {
		RootDirName      string `yaml:"root_dir_name"`
		AlienRootDirName string `yaml:"alien_root_dir_name"`
		TimestampPeriod  int64  `yaml:"timestamp_period"`
	} `yaml:"settings"`
}

// NodeFile mirrors node.yaml (spec.md §6).
type NodeFile struct {
	Disks []struct {
		Name bob.DiskName `yaml:"name"`
		Path bob.DiskPath `yaml:"path"`
	} `yaml:"disks"`
	BackendType    string          `yaml:"backend_type"` // in_memory | pearl | stub
	ClusterPolicy  string          `yaml:"cluster_policy"` // simple | quorum
	Quorum         int             `yaml:"quorum"`
	TimeoutMS      int             `yaml:"timeout"`
	CheckIntervalS int             `yaml:"check_interval"`
	Pearl          PearlConfigFile `yaml:"pearl"`
}

// UsersFile mirrors users.yaml (spec.md §6).
type UsersFile struct {
	Users []struct {
		Name       string   `yaml:"name"`
		Password   string   `yaml:"password"`
		HTTPPerms  []string `yaml:"http_perms"`
		GRPCPerms  []string `yaml:"grpc_perms"` // Read | Write
	} `yaml:"users"`
}

// Config is the fully resolved configuration a node starts from.
type Config struct {
	Self    bob.NodeName
	Mapper  *cluster.Mapper
	Pearl   *pearl.Config
	Policy  cluster.Policy
	Quorum  int
	Timeout time.Duration
	Check   time.Duration
	Users   UsersFile
}

// Load reads cluster.yaml, node.yaml, and users.yaml from their given
// paths and resolves them into a Config. self is this process's node
// name as listed in cluster.yaml; Load does not check that it is listed.
func Load(self bob.NodeName, clusterPath, nodePath, usersPath string) (*Config, error) {
	var cf ClusterFile
	if err := loadYAML(clusterPath, &cf); err != nil {
		return nil, err
	}
	var nf NodeFile
	if err := loadYAML(nodePath, &nf); err != nil {
		return nil, err
	}
	var uf UsersFile
	if usersPath != "" {
		if err := loadYAML(usersPath, &uf); err != nil {
			return nil, err
		}
	}

	vdisks := make([]bob.VDisk, 0, len(cf.VDisks))
	for _, v := range cf.VDisks {
		reps := make([]bob.NodeDisk, 0, len(v.Replicas))
		for _, r := range v.Replicas {
			reps = append(reps, bob.NodeDisk{Node: r.Node, Disk: r.Disk, Path: r.Path})
		}
		vdisks = append(vdisks, bob.VDisk{ID: v.ID, Replicas: reps})
	}
	mapper := cluster.NewMapper(vdisks)

	policy := cluster.Simple
	switch nf.ClusterPolicy {
	case "", "quorum":
		policy = cluster.Quorum
	case "simple":
		policy = cluster.Simple
	default:
		return nil, fmt.Errorf("config: unknown cluster_policy %q", nf.ClusterPolicy)
	}

	if err := pearl.ValidateKeyLen(pearl.DefaultKeyLen); err != nil {
		return nil, err
	}
	pc := pearl.ResolveConfig(&pearl.Config{
		MaxBlobSize:                nf.Pearl.MaxBlobSize,
		MaxDataInBlob:               nf.Pearl.MaxDataInBlob,
		BlobFileNamePrefix:          nf.Pearl.BlobFileNamePrefix,
		BloomFilterMaxBufBitsCount:  nf.Pearl.BloomFilter.MaxBufBitsCount,
		BloomFilterElements:         nf.Pearl.BloomFilter.Elements,
		FailRetryTimeoutMS:          nf.Pearl.FailRetryTimeoutMS,
		AllowDuplicates:             nf.Pearl.AllowDuplicates,
		TimestampPeriod:             nf.Pearl.Settings.TimestampPeriod,
		RootDirName:                 nf.Pearl.Settings.RootDirName,
		AlienRootDirName:            nf.Pearl.Settings.AlienRootDirName,
	})

	timeout := time.Duration(nf.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	check := time.Duration(nf.CheckIntervalS) * time.Second
	if check <= 0 {
		check = 30 * time.Second
	}

	return &Config{
		Self: self, Mapper: mapper, Pearl: pc, Policy: policy,
		Quorum: nf.Quorum, Timeout: timeout, Check: check, Users: uf,
	}, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
