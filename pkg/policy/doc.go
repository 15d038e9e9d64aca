// Package policy gates deployments with Open Policy Agent (OPA) Rego
// policies.
//
// Before a solution is deployed every enabled policy is evaluated once per
// item. A policy is a Rego module that defines a deny set in its package;
// the engine queries data.<package>.deny with this input:
//
//	{
//	  "solution": {"name": "parcels", "version": "1.0"},
//	  "item": {
//	    "id": "map",
//	    "type": "Web Map",
//	    "dependencies": ["layer"],
//	    "externalDependencies": ["basemap"],
//	    "estimatedDeploymentCostFactor": 1,
//	    "dependents": ["dashboard"]
//	  },
//	  "graph": {"size": 3, "topLevel": ["dashboard"]},
//	  "limits": {"maxDependencies": 25, "maxCostFactor": 100, "allowedTypes": []}
//	}
//
// Deny values are either strings or objects with message, severity, and
// item fields; other fields are kept as violation details. Violations of
// severity error or critical deny the deployment.
//
// # Built-in policies
//
//   - dependency-fan-out: warns when an item has more than limits.maxDependencies dependencies
//   - item-type-allow-list: rejects types outside limits.allowedTypes when it is non-empty
//   - cost-factor-sanity: warns when the cost factor exceeds limits.maxCostFactor
//   - item-id-format: rejects ids that cannot appear in {{id.field}} placeholders
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithLimits(limits))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.EvaluateSolution(ctx, policy.SolutionInput{Name: "parcels"}, graph)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // POLICY_DENIED
//	}
//
// User policies are read from .rego files (name from the file name,
// description and "severity:"/"tags:" from the leading comment block) or
// .json definitions. Engine.Watch reloads them when files change.
package policy
