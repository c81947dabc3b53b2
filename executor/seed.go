package executor

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teranos/tessera/coord"
	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/pulse/jobconf"
)

// seedFile is the YAML layout accepted by job import:
//
//	jobs:
//	  - name: billing-reconcile
//	    cron: "0 0 2 * * ?"
//	    sharding_total_count: 4
//	    handler: shell
//	    job_parameter: /usr/local/bin/reconcile
type seedFile struct {
	Jobs []yaml.Node `yaml:"jobs"`
}

// ParseDefinitions decodes a seed document. Fields a job leaves out keep the
// defaults of jobconf.New.
func ParseDefinitions(data []byte) ([]*jobconf.Definition, error) {
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidRequest), "failed to parse job definitions")
	}

	defs := make([]*jobconf.Definition, 0, len(doc.Jobs))
	seen := make(map[string]bool, len(doc.Jobs))
	for i := range doc.Jobs {
		var head struct {
			Name string `yaml:"name"`
		}
		if err := doc.Jobs[i].Decode(&head); err != nil {
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "job #%d", i+1)
		}
		if seen[head.Name] {
			return nil, errors.NewInvalidRequestError("job %q is defined twice", head.Name)
		}
		seen[head.Name] = true

		def := jobconf.New(head.Name)
		if err := doc.Jobs[i].Decode(def); err != nil {
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "job %q", head.Name)
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ImportResult reports what an import wrote.
type ImportResult struct {
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped"`
}

// Import writes defs to the registry. Jobs that already exist are left alone
// unless overwrite is set.
func Import(ctx context.Context, reg coord.Registry, defs []*jobconf.Definition, overwrite bool) (ImportResult, error) {
	var res ImportResult
	for _, def := range defs {
		if !overwrite {
			exists, _, err := reg.Exists(ctx, coord.JobPath(def.Name, coord.NodeConfig))
			if err != nil {
				return res, errors.Wrapf(err, "failed to check job %s", def.Name)
			}
			if exists {
				res.Skipped = append(res.Skipped, def.Name)
				continue
			}
		}
		if err := jobconf.Save(ctx, reg, def); err != nil {
			return res, err
		}
		res.Imported = append(res.Imported, def.Name)
	}
	return res, nil
}

// ImportFile reads a seed file and imports it.
func ImportFile(ctx context.Context, reg coord.Registry, path string, overwrite bool) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, errors.Wrapf(err, "failed to read %s", path)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return ImportResult{}, errors.Wrapf(err, "in %s", path)
	}
	return Import(ctx, reg, defs, overwrite)
}
