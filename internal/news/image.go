package news

import (
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"golang.org/x/net/html"
)

// ImageExtractor はフィード記事から画像URLを1つ取り出す。
// 見つからない場合は false を返す。
type ImageExtractor interface {
	Extract(item *gofeed.Item) (string, bool)
}

// ImageExtractorFunc は関数をImageExtractorとして扱うためのアダプタ。
type ImageExtractorFunc func(item *gofeed.Item) (string, bool)

// Extract はf(item)を呼び出す。
func (f ImageExtractorFunc) Extract(item *gofeed.Item) (string, bool) {
	return f(item)
}

// ImageChain は先頭から順に試し、最初に見つかったURLを採用する抽出器の列。
type ImageChain []ImageExtractor

// DefaultImageChain はenclosure、media拡張、説明文中のimgタグの順で探す抽出器列を返す。
func DefaultImageChain() ImageChain {
	return ImageChain{
		ImageExtractorFunc(enclosureImage),
		ImageExtractorFunc(mediaImage),
		ImageExtractorFunc(descriptionImage),
	}
}

// Extract は画像URLを返す。どの抽出器も見つけられなければ空文字列を返す。
func (c ImageChain) Extract(item *gofeed.Item) string {
	for _, e := range c {
		if u, ok := e.Extract(item); ok {
			return u
		}
	}
	return ""
}

// enclosureImage はMIMEタイプがimageで始まるenclosureのURLを返す。
func enclosureImage(item *gofeed.Item) (string, bool) {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(enc.Type), "image") {
			return strings.TrimSpace(enc.URL), true
		}
	}
	return "", false
}

// mediaImage はmedia:content、media:thumbnail（media:group内を含む）、
// gofeedが解決したitem.Imageの順に画像URLを探す。
func mediaImage(item *gofeed.Item) (string, bool) {
	if media, ok := item.Extensions["media"]; ok {
		if u, ok := firstMediaURL(media); ok {
			return u, true
		}
		for _, group := range media["group"] {
			if u, ok := firstMediaURL(group.Children); ok {
				return u, true
			}
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		return strings.TrimSpace(item.Image.URL), true
	}
	return "", false
}

func firstMediaURL(elems map[string][]ext.Extension) (string, bool) {
	for _, name := range []string{"content", "thumbnail"} {
		for _, e := range elems[name] {
			u := strings.TrimSpace(e.Attrs["url"])
			if u == "" || !isImageMedia(e) {
				continue
			}
			return u, true
		}
	}
	return "", false
}

// isImageMedia はmedia要素が画像を指すかを判定する。
// medium/type属性が無い場合は画像とみなす。
func isImageMedia(e ext.Extension) bool {
	if medium := strings.ToLower(e.Attrs["medium"]); medium != "" {
		return medium == "image"
	}
	if typ := strings.ToLower(e.Attrs["type"]); typ != "" {
		return strings.HasPrefix(typ, "image")
	}
	return true
}

// descriptionImage は説明文（無ければ本文）に含まれる最初の<img src>を返す。
// 相対URLは記事リンクを基準に解決する。
func descriptionImage(item *gofeed.Item) (string, bool) {
	for _, body := range []string{item.Description, item.Content} {
		if src, ok := firstImgSrc(body); ok {
			return resolveAgainst(item.Link, src), true
		}
	}
	return "", false
}

// firstImgSrc はHTML断片をトークナイズし、最初のimgタグのsrc属性を返す。
func firstImgSrc(fragment string) (string, bool) {
	if !strings.Contains(strings.ToLower(fragment), "<img") {
		return "", false
	}

	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "img" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "src" {
					if src := strings.TrimSpace(string(val)); src != "" {
						return src, true
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

func resolveAgainst(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil || refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil || !baseURL.IsAbs() {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
