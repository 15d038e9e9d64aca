package policy

// BuiltinPolicies returns the policies every engine starts with. Their
// thresholds come from input.limits.
func BuiltinPolicies() []Policy {
	return []Policy{
		dependencyFanOutPolicy(),
		itemTypeAllowListPolicy(),
		costFactorPolicy(),
		itemIDFormatPolicy(),
	}
}

// dependencyFanOutPolicy flags items that wait on too many others.
func dependencyFanOutPolicy() Policy {
	return Policy{
		Name:        "dependency-fan-out",
		Description: "Flags items whose dependency count exceeds limits.maxDependencies",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"graph"},
		Rego: `package deployer.builtin.fanout

import rego.v1

deny contains violation if {
	input.limits.maxDependencies > 0
	n := count(input.item.dependencies) + count(input.item.externalDependencies)
	n > input.limits.maxDependencies
	violation := {
		"message": sprintf("item depends on %v items, limit is %v", [n, input.limits.maxDependencies]),
		"severity": "warning",
		"item": input.item.id,
	}
}
`,
	}
}

// itemTypeAllowListPolicy rejects item types outside limits.allowedTypes.
func itemTypeAllowListPolicy() Policy {
	return Policy{
		Name:        "item-type-allow-list",
		Description: "Rejects item types not listed in limits.allowedTypes when the list is set",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"types"},
		Rego: `package deployer.builtin.types

import rego.v1

type_allowed if {
	some t in input.limits.allowedTypes
	t == input.item.type
}

deny contains violation if {
	count(input.limits.allowedTypes) > 0
	not type_allowed
	violation := {
		"message": sprintf("item type %q is not allowed", [input.item.type]),
		"severity": "error",
		"item": input.item.id,
	}
}
`,
	}
}

// costFactorPolicy flags unusually expensive items.
func costFactorPolicy() Policy {
	return Policy{
		Name:        "cost-factor-sanity",
		Description: "Flags items whose estimated deployment cost factor exceeds limits.maxCostFactor",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"progress"},
		Rego: `package deployer.builtin.cost

import rego.v1

deny contains violation if {
	input.limits.maxCostFactor > 0
	input.item.estimatedDeploymentCostFactor > input.limits.maxCostFactor
	violation := {
		"message": sprintf("cost factor %v exceeds %v", [input.item.estimatedDeploymentCostFactor, input.limits.maxCostFactor]),
		"severity": "warning",
		"item": input.item.id,
	}
}
`,
	}
}

// itemIDFormatPolicy keeps item ids usable inside {{id.field}} placeholders.
func itemIDFormatPolicy() Policy {
	return Policy{
		Name:        "item-id-format",
		Description: "Item ids must be alphanumeric with dashes and underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package deployer.builtin.ids

import rego.v1

deny contains violation if {
	not regex.match("^[A-Za-z0-9][A-Za-z0-9_-]*$", input.item.id)
	violation := {
		"message": sprintf("item id %q must start with a letter or digit and contain only letters, digits, '-' or '_'", [input.item.id]),
		"severity": "error",
		"item": input.item.id,
	}
}

deny contains violation if {
	some dep in input.item.dependencies
	dep == input.item.id
	violation := {
		"message": "item depends on itself",
		"severity": "error",
		"item": input.item.id,
	}
}
`,
	}
}
