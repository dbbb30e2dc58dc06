package api

// Model is the root of a content-model definition file.
// It declares the node types and aspects that imported metadata may reference.
type Model struct {
	// Namespaces maps prefixes to namespace URIs.
	Namespaces []Namespace `hcl:"namespace,block"`
	// Types are the node types, each optionally extending a parent type.
	Types []TypeDef `hcl:"type,block"`
	// Aspects are optional property bundles attachable to any node.
	Aspects []AspectDef `hcl:"aspect,block"`
}

// Namespace binds a short prefix (e.g. "cm") to a namespace URI.
type Namespace struct {
	Prefix string `hcl:"prefix,label"`
	URI    string `hcl:"uri"`
}

// TypeDef declares a node type.
type TypeDef struct {
	// Name is the qualified type name, e.g. "cm:content".
	Name string `hcl:"name,label"`
	// Parent is the qualified name of the super type (empty for the base type).
	Parent string `hcl:"parent,optional"`
	// Container marks folder-like types that may hold children.
	Container bool `hcl:"container,optional"`
	// MandatoryAspects are applied to every node of this type.
	MandatoryAspects []string     `hcl:"mandatory_aspects,optional"`
	Properties       []PropertyDef `hcl:"property,block"`
}

// AspectDef declares an aspect and the properties it contributes.
type AspectDef struct {
	Name       string        `hcl:"name,label"`
	Properties []PropertyDef `hcl:"property,block"`
}

// PropertyDef declares a typed property.
type PropertyDef struct {
	// Name is the qualified property name, e.g. "cm:title".
	Name string `hcl:"name,label"`
	// DataType is one of d:text, d:mltext, d:int, d:long, d:float, d:double,
	// d:boolean, d:date, d:datetime.
	DataType string `hcl:"type"`
	// Multiple allows an ordered list of values.
	Multiple bool `hcl:"multiple,optional"`
	// Constraints (optional).
	MaxLength int      `hcl:"max_length,optional"`
	Allowed   []string `hcl:"allowed,optional"`
	Pattern   string   `hcl:"pattern,optional"`
}
