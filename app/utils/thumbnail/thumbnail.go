package thumbnail

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // Pixiv 与 Twitter 常返回 webp
)

// Dir 缩略图所在的子目录名
const Dir = ".thumbs"

// PathFor 返回原图对应的缩略图路径：<dir>/.thumbs/<name>.jpg
func PathFor(src string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(filepath.Dir(src), Dir, base+".jpg")
}

// Generate 按宽度等比生成 JPEG 缩略图，返回缩略图路径
func Generate(src string, width int) (string, error) {
	if width <= 0 {
		return "", fmt.Errorf("缩略图宽度无效: %d", width)
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("打开图片失败: %w", err)
	}

	dst := PathFor(src)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("创建缩略图目录失败: %w", err)
	}

	thumb := img
	if img.Bounds().Dx() > width {
		thumb = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	if err := imaging.Save(thumb, dst, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("保存缩略图失败: %w", err)
	}
	return dst, nil
}
