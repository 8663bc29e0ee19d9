package model

// TargetMatch 是提取目标的路径匹配方式。
type TargetMatch string

const (
	// MatchRegexp：pattern 是正则，对镜像内完整路径匹配。
	MatchRegexp TargetMatch = "regexp"
	// MatchWildcard：pattern 是通配（* ? 以及字面 .）。
	MatchWildcard TargetMatch = "wildcard"
	// MatchLiteral：pattern 是完整路径，整体相等才算命中。
	MatchLiteral TargetMatch = "literal"
)

// ExtractionTargetBundle 是提取目标规则文件的顶层结构。
type ExtractionTargetBundle struct {
	Version     string             `yaml:"version" json:"version"`
	BundleType  string             `yaml:"bundle_type" json:"bundle_type"`
	Maintainer  string             `yaml:"maintainer" json:"maintainer,omitempty"`
	Description string             `yaml:"description" json:"description,omitempty"`
	Targets     []ExtractionTarget `yaml:"targets" json:"targets"`
}

// ExtractionTarget 描述一类证据在镜像中的位置。
// Multiple=false 时只取第一个命中的文件（数据库类）；true 时取全部命中（快照类）。
type ExtractionTarget struct {
	ID       string       `yaml:"id" json:"id"`
	Enabled  bool         `yaml:"enabled" json:"enabled"`
	Kind     EvidenceKind `yaml:"kind" json:"kind"`
	Match    TargetMatch  `yaml:"match" json:"match"`
	Pattern  string       `yaml:"pattern" json:"pattern"`
	Multiple bool         `yaml:"multiple" json:"multiple"`
	Note     string       `yaml:"note" json:"note,omitempty"`
}
