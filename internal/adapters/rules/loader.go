package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"trace-correlator/internal/adapters/archive"
	"trace-correlator/internal/domain/model"

	"gopkg.in/yaml.v3"
)

// ErrInvalidBundle 表示提取目标规则文件结构不合法。
var ErrInvalidBundle = errors.New("invalid extraction target bundle")

// BundleType 是提取目标规则文件的 bundle_type。
const BundleType = "extraction_targets"

// Loader 负责从磁盘读取并校验提取目标规则。File 为空时使用内置规则。
type Loader struct {
	File string
}

// LoadedTargets 是加载后的规则及其文件哈希，用于留痕与版本确认。
type LoadedTargets struct {
	Bundle model.ExtractionTargetBundle
	SHA256 string
	// Source 是规则来源：文件路径或 "builtin"。
	Source string
}

func NewLoader(file string) *Loader {
	return &Loader{File: file}
}

// Load 读取规则文件并执行结构校验；未配置文件时返回内置规则。
func (l *Loader) Load(ctx context.Context) (*LoadedTargets, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(l.File) == "" {
		b := DefaultBundle()
		raw, err := yaml.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal builtin targets: %w", err)
		}
		sum := sha256.Sum256(raw)
		return &LoadedTargets{Bundle: b, SHA256: hex.EncodeToString(sum[:]), Source: "builtin"}, nil
	}

	raw, err := os.ReadFile(l.File)
	if err != nil {
		return nil, fmt.Errorf("read extraction targets: %w", err)
	}

	var bundle model.ExtractionTargetBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse extraction targets: %w", err)
	}
	if err := Validate(bundle); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	return &LoadedTargets{
		Bundle: bundle,
		SHA256: hex.EncodeToString(sum[:]),
		Source: l.File,
	}, nil
}

// Validate 检查规则的完整性与唯一性，并确认每条 pattern 可编译。
func Validate(bundle model.ExtractionTargetBundle) error {
	if strings.TrimSpace(bundle.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidBundle)
	}
	if bundle.BundleType != BundleType {
		return fmt.Errorf("%w: bundle_type must be %s, got %q", ErrInvalidBundle, BundleType, bundle.BundleType)
	}
	if len(bundle.Targets) == 0 {
		return fmt.Errorf("%w: targets is empty", ErrInvalidBundle)
	}

	seen := make(map[string]struct{}, len(bundle.Targets))
	for _, t := range bundle.Targets {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("%w: target id is required", ErrInvalidBundle)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate target id: %s", ErrInvalidBundle, id)
		}
		seen[id] = struct{}{}

		if _, err := model.ParseKind(string(t.Kind)); err != nil && t.Kind != model.KindDeviceInfo {
			return fmt.Errorf("%w: target %s: %v", ErrInvalidBundle, id, err)
		}
		if _, err := Compile(t); err != nil {
			return fmt.Errorf("%w: target %s: %v", ErrInvalidBundle, id, err)
		}
	}
	return nil
}

// Compile 把一条规则转换为镜像路径匹配器。
func Compile(t model.ExtractionTarget) (archive.Pattern, error) {
	if strings.TrimSpace(t.Pattern) == "" {
		return archive.Pattern{}, errors.New("pattern is required")
	}
	switch t.Match {
	case model.MatchRegexp:
		return archive.Regexp(t.Pattern)
	case model.MatchWildcard:
		return archive.Wildcard(t.Pattern)
	case model.MatchLiteral:
		return archive.Literal(t.Pattern), nil
	default:
		return archive.Pattern{}, fmt.Errorf("unknown match type %q", t.Match)
	}
}

// ForKind 返回指定证据类型下所有启用的规则（保持文件中的顺序）。
func (l *LoadedTargets) ForKind(kind model.EvidenceKind) []model.ExtractionTarget {
	var out []model.ExtractionTarget
	for _, t := range l.Bundle.Targets {
		if t.Enabled && t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// DefaultBundle 是内置的提取目标。路径同时兼容整盘 zip（filesystem1/private/...）与备份目录（/private/...）。
func DefaultBundle() model.ExtractionTargetBundle {
	return model.ExtractionTargetBundle{
		Version:     "1",
		BundleType:  BundleType,
		Description: "iOS routined / knowledgeC / locationd / SplashBoard",
		Targets: []model.ExtractionTarget{
			{
				ID:      "ios_routined_cache",
				Enabled: true,
				Kind:    model.KindLocations,
				Match:   model.MatchRegexp,
				Pattern: `.*/private/var/mobile/Library/Caches/com\.apple\.routined/Cache\.sqlite$`,
			},
			{
				ID:      "ios_knowledgec",
				Enabled: true,
				Kind:    model.KindUsage,
				Match:   model.MatchRegexp,
				Pattern: `.*/private/var/mobile/Library/CoreDuet/Knowledge/knowledgeC\.db$`,
			},
			{
				ID:      "ios_locationd_wifi",
				Enabled: true,
				Kind:    model.KindWifi,
				Match:   model.MatchRegexp,
				Pattern: `.*/private/var/root/Library/Caches/locationd/cache_encryptedB\.db$`,
			},
			{
				ID:       "ios_splashboard_snapshots",
				Enabled:  true,
				Kind:     model.KindSnapshots,
				Match:    model.MatchWildcard,
				Pattern:  "*/private/var/mobile/Containers/Data/Application/*/Library/SplashBoard/Snapshots/*/*.ktx",
				Multiple: true,
			},
			{
				ID:      "ios_system_version",
				Enabled: true,
				Kind:    model.KindDeviceInfo,
				Match:   model.MatchRegexp,
				Pattern: `(^|.*/)System/Library/CoreServices/SystemVersion\.plist$`,
			},
		},
	}
}
