package api

import (
	"fmt"
	"gpsnav/internal/model"
	"strings"
)

func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if req.Algorithm != "" && req.Algorithm != "greedy" && req.Algorithm != "alns" {
		return fmt.Errorf("invalid algorithm: %s", req.Algorithm)
	}
	if req.TimeBudgetMs < 0 {
		return fmt.Errorf("timeBudgetMs must be >= 0")
	}
	if req.MaxIterations < 0 {
		return fmt.Errorf("maxIterations must be >= 0")
	}
	if req.Cooling != 0 && (req.Cooling <= 0 || req.Cooling >= 1) {
		return fmt.Errorf("cooling must be in (0,1)")
	}
	if len(req.RemovalWeights) > 0 && len(req.RemovalWeights) != 2 {
		return fmt.Errorf("removalWeights must have length 2")
	}
	if len(req.InsertionWeights) > 0 && len(req.InsertionWeights) != 2 {
		return fmt.Errorf("insertionWeights must have length 2")
	}
	if req.Objectives != nil {
		allowed := map[string]struct{}{"drivetime": {}, "lateness": {}, "failed": {}, "distance": {}}
		for k, v := range req.Objectives {
			if v < 0 {
				return fmt.Errorf("objective %s must be >= 0", k)
			}
			if _, ok := allowed[strings.ToLower(k)]; !ok {
				return fmt.Errorf("unknown objective key: %s (allowed: driveTime,lateness,failed,distance)", k)
			}
		}
	}
	return nil
}

func validateOptimizerRunRequest(req *model.OptimizerRunRequest) error {
	if req.Policy != "" && req.Policy != "bfs" && req.Policy != "dfs" {
		return fmt.Errorf("invalid policy: %s (allowed: bfs, dfs)", req.Policy)
	}
	if req.TimeBudgetMs < 0 {
		return fmt.Errorf("timeBudgetMs must be >= 0")
	}
	if len(req.Routes) == 0 {
		return fmt.Errorf("routes must contain at least one row")
	}
	if len(req.FrozenCounts) > 0 && len(req.FrozenCounts) != len(req.Routes) {
		return fmt.Errorf("frozenCounts must have one entry per route when provided")
	}
	for i, row := range req.Routes {
		for _, stopID := range row {
			if _, ok := req.Stops[stopID]; !ok {
				return fmt.Errorf("route %d references unknown stop %q", i, stopID)
			}
		}
		if len(req.FrozenCounts) > 0 {
			if fc := req.FrozenCounts[i]; fc < 0 || fc > len(row) {
				return fmt.Errorf("frozenCounts[%d] must be between 0 and len(routes[%d])", i, i)
			}
		}
	}
	return nil
}
