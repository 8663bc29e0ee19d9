package archive

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern 匹配镜像内的虚拟路径（以 / 分隔）。
type Pattern struct {
	src string
	re  *regexp.Regexp
}

// Literal 精确匹配完整路径。
func Literal(path string) Pattern {
	return Pattern{src: path, re: regexp.MustCompile("^" + regexp.QuoteMeta(path) + "$")}
}

// Regexp 以正则在路径中查找（不自动锚定）。
func Regexp(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return Pattern{src: expr, re: re}, nil
}

// Wildcard 把通配转换为锚定正则：. 按字面，* 匹配任意串（可跨目录），? 匹配单个字符。
func Wildcard(glob string) (Pattern, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return Pattern{}, fmt.Errorf("compile wildcard %q: %w", glob, err)
	}
	return Pattern{src: glob, re: re}, nil
}

func (p Pattern) Match(path string) bool {
	return p.re != nil && p.re.MatchString(path)
}

func (p Pattern) String() string { return p.src }
