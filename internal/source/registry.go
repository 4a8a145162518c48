// Package source は取り込み対象のRSSフィードソースと、ソースごとの関連性ポリシーを定義する。
package source

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Source は取り込み対象の1つのRSSエンドポイントを表す。
// URLが同一性を表し、プロセスの生存期間中は変更されない。
type Source struct {
	URL            string
	Name           string
	AlwaysRelevant bool // trueの場合はキーワードフィルタを通さない
}

// Policy はソースの表示名と関連性判定の扱いを表す。
type Policy struct {
	Name           string
	AlwaysRelevant bool
}

// policyRule はホスト名の部分文字列からPolicyへの対応。
type policyRule struct {
	hostFragment string
	policy       Policy
}

// policyTable はホスト名の部分一致でPolicyを引く静的テーブル。
// 先頭から評価するため、"ajansspor" は "aspor" より前に置く必要がある。
var policyTable = []policyRule{
	{hostFragment: "kontraspor", policy: Policy{Name: "Kontra Spor"}},
	{hostFragment: "ntvspor", policy: Policy{Name: "NTV Spor"}},
	{hostFragment: "fotomac", policy: Policy{Name: "Fotomaç", AlwaysRelevant: true}},
	{hostFragment: "ajansspor", policy: Policy{Name: "Ajans Spor"}},
	{hostFragment: "aspor", policy: Policy{Name: "A Spor"}},
	{hostFragment: "fanatik", policy: Policy{Name: "Fanatik"}},
}

// fallbackPolicy はどのルールにも一致しないソースに使うPolicy。
var fallbackPolicy = Policy{Name: "Haber Kaynağı"}

// defaultFeedURLs は組み込みの取り込み対象フィード。
var defaultFeedURLs = []string{
	"https://www.ntvspor.net/rss/kategori/futbol",
	"https://kontraspor.com/rss",
	"https://ajansspor.com/rss",
	"https://www.fotomac.com.tr/rss/Fenerbahce.xml",
}

// PolicyFor はフィードURLのホスト名からPolicyを返す。
// URLが解析できない場合やどのルールにも一致しない場合はフォールバックを返す。
func PolicyFor(feedURL string) Policy {
	u, err := url.Parse(feedURL)
	if err != nil {
		return fallbackPolicy
	}
	host := strings.ToLower(u.Hostname())
	for _, rule := range policyTable {
		if strings.Contains(host, rule.hostFragment) {
			return rule.policy
		}
	}
	return fallbackPolicy
}

// New はポリシーテーブルを適用したSourceを生成する。
func New(feedURL string) Source {
	p := PolicyFor(feedURL)
	return Source{URL: feedURL, Name: p.Name, AlwaysRelevant: p.AlwaysRelevant}
}

// Registry は取り込み対象ソースの固定リスト。
type Registry struct {
	sources []Source
}

// NewRegistry はソース一覧からRegistryを生成する。
// URLの形式が不正な場合や同一URLが重複する場合はエラーを返す。
func NewRegistry(sources []Source) (*Registry, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no feed sources configured")
	}

	seen := make(map[string]struct{}, len(sources))
	list := make([]Source, 0, len(sources))
	for _, s := range sources {
		if err := validateURL(s.URL); err != nil {
			return nil, err
		}
		if _, dup := seen[s.URL]; dup {
			return nil, fmt.Errorf("duplicate feed source: %s", s.URL)
		}
		seen[s.URL] = struct{}{}
		list = append(list, s)
	}

	return &Registry{sources: list}, nil
}

// DefaultRegistry は組み込みの4フィードからなるRegistryを返す。
func DefaultRegistry() *Registry {
	sources := make([]Source, 0, len(defaultFeedURLs))
	for _, u := range defaultFeedURLs {
		sources = append(sources, New(u))
	}
	return &Registry{sources: sources}
}

// Sources は登録順のソース一覧のコピーを返す。
func (r *Registry) Sources() []Source {
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Lookup はURLに一致するソースを返す。
func (r *Registry) Lookup(feedURL string) (Source, bool) {
	for _, s := range r.sources {
		if s.URL == feedURL {
			return s, true
		}
	}
	return Source{}, false
}

// Len は登録されているソース数を返す。
func (r *Registry) Len() int {
	return len(r.sources)
}

// ParseList はカンマ区切りのソース定義を解析する。
// 各エントリは "url" または "url|表示名|always" の形式。
// 表示名や関連性フラグが省略された場合はポリシーテーブルの値を使う。
func ParseList(raw string) ([]Source, error) {
	var sources []Source
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, "|")
		if len(parts) > 3 {
			return nil, fmt.Errorf("invalid source entry %q: too many fields", entry)
		}

		s := New(strings.TrimSpace(parts[0]))
		if len(parts) >= 2 {
			if name := strings.TrimSpace(parts[1]); name != "" {
				s.Name = name
			}
		}
		if len(parts) == 3 {
			flag := strings.TrimSpace(parts[2])
			switch strings.ToLower(flag) {
			case "always":
				s.AlwaysRelevant = true
			case "":
			default:
				b, err := strconv.ParseBool(flag)
				if err != nil {
					return nil, fmt.Errorf("invalid relevance flag %q in source entry %q", flag, entry)
				}
				s.AlwaysRelevant = b
			}
		}

		if err := validateURL(s.URL); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("source list is empty")
	}
	return sources, nil
}

// validateURL はソースURLがhttp/httpsの絶対URLであることを検証する。
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid feed source URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid feed source URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid feed source URL %q: empty host", raw)
	}
	return nil
}
