// Package gallery renders the static model_card.html summary that sits
// next to every downloaded model.
package gallery

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"go-civitai-manager/internal/models"
)

// Filename of the rendered page inside a model directory.
const Filename = "model_card.html"

// card is the template payload for one model page.
type card struct {
	Info     *models.ModelInfo
	ModelURL string
	Tiles    []tile
}

// tile is one media cell of the gallery grid. Source is either an
// images/<file> relative path or the remote URL when the image was
// never downloaded.
type tile struct {
	Source     string
	Prompt     string
	Checkpoint string
	Loras      string
	Stats      string
	Index      int
	Number     int
	IsVideo    bool
}

// Emit renders the gallery page for info into dir and returns the
// written path.
func Emit(dir string, info *models.ModelInfo) (string, error) {
	var buf bytes.Buffer
	if err := cardTemplate.Execute(&buf, buildCard(info)); err != nil {
		return "", fmt.Errorf("failed to render model card for %s: %w", info.Name, err)
	}

	outPath := filepath.Join(dir, Filename)
	if err := os.WriteFile(outPath, buf.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("failed to write model card: %w", err)
	}
	return outPath, nil
}

func buildCard(info *models.ModelInfo) *card {
	c := &card{
		Info:     info,
		ModelURL: fmt.Sprintf("https://civitai.com/models/%d", info.ID),
	}

	for i, img := range info.Images {
		source := img.URL
		if img.LocalPath != "" {
			source = "images/" + filepath.Base(img.LocalPath)
		}

		prompt := img.Meta.Prompt
		if prompt == "" {
			prompt = "N/A"
		}
		checkpoint := img.Meta.Model
		if checkpoint == "" {
			checkpoint = "N/A"
		}
		var loras []string
		for _, res := range img.Meta.Resources {
			if res.Type == "lora" {
				loras = append(loras, res.Name)
			}
		}

		score := img.Stats.LikeCount + img.Stats.HeartCount + img.Stats.LaughCount
		c.Tiles = append(c.Tiles, tile{
			Source:     source,
			Prompt:     prompt,
			Checkpoint: checkpoint,
			Loras:      strings.Join(loras, ", "),
			Stats: fmt.Sprintf("👍 %d | ❤️ %d | 😂 %d | Score: %d",
				img.Stats.LikeCount, img.Stats.HeartCount, img.Stats.LaughCount, score),
			Index:   i,
			Number:  i + 1,
			IsVideo: strings.HasSuffix(strings.ToLower(source), ".mp4"),
		})
	}
	return c
}

var cardTemplate = template.Must(template.New("model_card").Parse(cardTemplateText))

const cardTemplateText = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.Info.Name}} - Model Gallery</title>
<link href="https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css" rel="stylesheet">
<link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;600&display=swap" rel="stylesheet">
<style>
body { background: #181a1b; color: #e0e0e0; font-family: 'Inter', sans-serif; }
.container { max-width: 1200px; }
h2, h5 { font-weight: 600; }
.badge { cursor: pointer; user-select: all; font-size: 1rem; margin-bottom: 6px; }
.gallery-row { display: flex; flex-wrap: wrap; gap: 20px; }
.gallery-img { flex: 1 0 18%; max-width: 18%; aspect-ratio: 1/1; object-fit: cover; border-radius: 10px; cursor: pointer; transition: box-shadow .2s, transform .2s; box-shadow: 0 2px 8px #0004; }
.gallery-img:hover { box-shadow: 0 4px 24px #0007; transform: scale(1.03); }
@media (max-width: 1200px) { .gallery-img { max-width: 23%; } }
@media (max-width: 900px) { .gallery-img { max-width: 31%; } }
@media (max-width: 600px) { .gallery-img { max-width: 48%; } }
.overlay-bg { display: none; position: fixed; z-index: 10000; top: 0; left: 0; width: 100vw; height: 100vh; background: rgba(0,0,0,0.85); align-items: center; justify-content: center; }
.overlay-bg.active { display: flex; }
.overlay-img { max-height: 80vh; max-width: 55vw; border-radius: 12px 0 0 12px; box-shadow: 0 0 32px #000a; background: #222; }
.overlay-panel { width: 350px; max-width: 90vw; background: #222; color: #fff; padding: 32px 24px; border-radius: 0 12px 12px 0; box-shadow: 0 0 32px #000a; display: flex; flex-direction: column; gap: 18px; }
.overlay-close { position: absolute; top: 22px; right: 32px; font-size: 2rem; color: #fff; cursor: pointer; opacity: 0.75; transition: opacity .2s; z-index: 10001; }
.overlay-close:hover { opacity: 1; }
.panel-label { font-size: 0.98rem; color: #aaa; margin-bottom: 2px; }
.panel-content { font-size: 1.08rem; word-break: break-word; }
</style>
</head>
<body>
<div class="container py-4">
<h2 class="text-info mb-2">Model: {{.Info.Name}}</h2>
<p><strong>URL:</strong> <a href="{{.ModelURL}}" class="text-info" target="_blank">{{.ModelURL}}</a></p>
<p><strong>Type:</strong> {{.Info.Type}} | <strong>Base Model:</strong> {{.Info.BaseModel}}</p>
<p><strong>Creator:</strong> {{.Info.Creator}} | <strong>Version:</strong> {{.Info.VersionName}}</p>
<h5>Description</h5>
<p style="max-width: 800px;">{{.Info.Description}}</p>
<h5>Activation Tags</h5>
<div class="mb-3">
{{- range .Info.Tags}}
<span class="badge bg-secondary me-1 mb-1" onclick="navigator.clipboard.writeText('{{.}}');" title="Copy tag">{{.}}</span>
{{- end}}
</div>
<h5 class="mb-3">Images</h5>
<div class="gallery-row mb-5">
{{- range .Tiles}}
{{- if .IsVideo}}
<video src="{{.Source}}" class="gallery-img" controls data-idx="{{.Index}}" data-prompt="{{.Prompt}}" data-chk="{{.Checkpoint}}" data-loras="{{.Loras}}" data-stats="{{.Stats}}" tabindex="0" preload="metadata" poster="">Sorry, your browser doesn't support embedded videos.</video>
{{- else}}
<img src="{{.Source}}" class="gallery-img" data-idx="{{.Index}}" data-prompt="{{.Prompt}}" data-chk="{{.Checkpoint}}" data-loras="{{.Loras}}" data-stats="{{.Stats}}" alt="Model image {{.Number}}" tabindex="0"/>
{{- end}}
{{- end}}
</div>
</div>
<div class="overlay-bg" id="overlayBg" tabindex="-1">
<span class="overlay-close" id="overlayClose" title="Close">&times;</span>
<img src="" class="overlay-img" id="overlayImg" alt="Enlarged image" style="display:none;"/>
<video src="" class="overlay-video" id="overlayVideo" controls style="display:none;max-height:80vh;max-width:55vw;border-radius:12px 0 0 12px;box-shadow:0 0 32px #000a;background:#222;"></video>
<div class="overlay-panel" id="overlayPanel">
  <div>
    <div class="panel-label">Prompt</div>
    <div class="panel-content" id="panelPrompt"></div>
  </div>
  <div>
    <div class="panel-label">Checkpoint</div>
    <div class="panel-content" id="panelChk"></div>
  </div>
  <div>
    <div class="panel-label">Loras</div>
    <div class="panel-content" id="panelLoras"></div>
  </div>
  <div>
    <div class="panel-label">Reactions</div>
    <div class="panel-content" id="panelStats"></div>
  </div>
</div>
</div>
<script>
const overlayBg = document.getElementById('overlayBg');
const overlayImg = document.getElementById('overlayImg');
const overlayVideo = document.getElementById('overlayVideo');
const overlayPanel = document.getElementById('overlayPanel');
const overlayClose = document.getElementById('overlayClose');
const panelPrompt = document.getElementById('panelPrompt');
const panelChk = document.getElementById('panelChk');
const panelLoras = document.getElementById('panelLoras');
const panelStats = document.getElementById('panelStats');

function showOverlay(mediaEl) {
  if (mediaEl.tagName === "VIDEO") {
      overlayImg.style.display = "none";
      overlayVideo.style.display = "";
      overlayVideo.src = mediaEl.src;
      overlayVideo.load();
      overlayVideo.play();
  } else {
      overlayVideo.pause();
      overlayVideo.style.display = "none";
      overlayImg.style.display = "";
      overlayImg.src = mediaEl.src;
  }
  panelPrompt.textContent = mediaEl.dataset.prompt || '';
  panelChk.textContent = mediaEl.dataset.chk || '';
  panelLoras.textContent = mediaEl.dataset.loras || '';
  panelStats.textContent = mediaEl.dataset.stats || '';
  overlayBg.classList.add('active');
  document.body.style.overflow = 'hidden';
}

function hideOverlay() {
  overlayBg.classList.remove('active');
  overlayImg.src = '';
  overlayImg.style.display = "none";
  overlayVideo.pause();
  overlayVideo.src = '';
  overlayVideo.style.display = "none";
  document.body.style.overflow = '';
}

document.querySelectorAll('.gallery-img').forEach(media => {
  media.addEventListener('click', () => showOverlay(media));
  media.addEventListener('keydown', (e) => {
      if (e.key === 'Enter' || e.key === ' ') showOverlay(media);
  });
});

overlayBg.addEventListener('click', (e) => {
  if (e.target === overlayBg || e.target === overlayClose) hideOverlay();
});
overlayPanel.addEventListener('click', e => e.stopPropagation());
overlayImg.addEventListener('click', e => e.stopPropagation());
overlayVideo.addEventListener('click', e => e.stopPropagation());

document.addEventListener('keydown', (e) => {
  if (overlayBg.classList.contains('active') && e.key === 'Escape') hideOverlay();
});
</script>
</body>
</html>
`
