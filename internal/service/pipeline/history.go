package pipeline

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/lambda-deployer/internal/config"
	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
	"github.com/oshokin/lambda-deployer/internal/repository/history"
)

// History returns the stored deployment records, newest first.
// When functionName is set only its records are returned.
func History(ctx context.Context, configPath, functionName string) ([]*deploy.Record, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	records, err := history.NewFileRepository(cfg.HistoryFile, cfg.HistoryLimit).Load(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*deploy.Record, 0, len(records))

	for i := len(records) - 1; i >= 0; i-- {
		if functionName != "" && records[i].FunctionName != functionName {
			continue
		}

		result = append(result, records[i])
	}

	return result, nil
}

// WriteHistory renders records as a YAML list.
func WriteHistory(w io.Writer, records []*deploy.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No deployments recorded")
		return err
	}

	encoder := yaml.NewEncoder(w)

	if err := encoder.Encode(records); err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	return encoder.Close()
}
