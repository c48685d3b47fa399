package model

// FunctionMetric is one function row reported by lizard.
type FunctionMetric struct {
	NLOC           int
	CCN            int
	TokenCount     int
	ParameterCount int
	Length         int
	Location       string
	File           string
	FunctionName   string
	Signature      string
	StartLine      int
	EndLine        int
}

type SourceClass string

const (
	ClassCode               SourceClass = "Code"
	ClassTest               SourceClass = "Test"
	ClassDeployScript       SourceClass = "DeployScript"
	ClassExternalDependency SourceClass = "ExternalDependency"
	ClassOther              SourceClass = "Other"
)

// ReportedClasses are the classes that get their own aggregate CSV.
var ReportedClasses = []SourceClass{ClassCode, ClassTest, ClassDeployScript, ClassExternalDependency}

// ClassifiedFile is a source file of an audit with its summed NLOC.
type ClassifiedFile struct {
	Repo   string
	NLOC   int64
	File   string
	Source SourceClass
}

// RepoClassTotals is the per audit, per class rollup.
type RepoClassTotals struct {
	Repo      string
	Source    SourceClass
	LOC       int64
	Contracts int
}
