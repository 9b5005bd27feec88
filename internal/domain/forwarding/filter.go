package forwarding

import "strings"

// Action — решение фильтра по одному сообщению.
type Action int

const (
	// ActionDrop — сообщение пропускается, курсор продвигается без отправки.
	ActionDrop Action = iota
	// ActionSendText — отправляется только текст (или подпись медиа).
	ActionSendText
	// ActionSendMedia — сообщение копируется вместе с вложением.
	ActionSendMedia
)

// Именованные классы политики фильтрации. Помимо классов политика принимает
// литеральные расширения файлов ("pdf", "zip") без точки.
const (
	ClassTextOnly  = "text_only"
	ClassAllMedia  = "all_media"
	ClassImages    = "images"
	ClassVideos    = "videos"
	ClassAudio     = "audio"
	ClassDocuments = "documents"
)

// Policy — политика фильтрации задачи: набор разрешённых классов и расширений.
// Пустой набор означает «копировать всё как есть».
type Policy struct {
	Allowed []string `json:"allowed,omitempty"`
}

// imageExts — расширения, которые фотография покрывает как литеральный фильтр.
var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true,
}

// documentExts — расширения, входящие в класс documents независимо от MIME.
var documentExts = map[string]bool{
	"pdf": true, "doc": true, "docx": true, "txt": true,
}

// Decide — чистая функция фильтрации. Правила:
//   - пустые/служебные сообщения отбрасываются;
//   - чисто текстовые сообщения проходят при пустой политике, text_only или
//     all_media; политика из одних медиаклассов текст отбрасывает;
//   - медиа проходит как медиа, если политика пуста, содержит all_media или
//     класс/расширение вложения; text_only пропускает только сообщения без
//     вложений, подпись медиа его не спасает;
//   - иначе медиа отбрасывается.
func Decide(msg Message, policy Policy) Action {
	if msg.Kind == KindEmpty || (msg.Kind == KindText && strings.TrimSpace(msg.Text) == "") {
		return ActionDrop
	}
	if msg.Kind == KindText {
		if len(policy.Allowed) == 0 || policy.has(ClassTextOnly) || policy.has(ClassAllMedia) {
			return ActionSendText
		}
		return ActionDrop
	}

	if len(policy.Allowed) == 0 || policy.permits(msg) {
		return ActionSendMedia
	}
	return ActionDrop
}

// permits проверяет, разрешает ли политика вложение сообщения.
func (p Policy) permits(msg Message) bool {
	for _, allowed := range p.Allowed {
		if matches(msg, strings.ToLower(strings.TrimSpace(allowed))) {
			return true
		}
	}
	return false
}

// has проверяет наличие класса в политике.
func (p Policy) has(class string) bool {
	for _, allowed := range p.Allowed {
		if strings.EqualFold(strings.TrimSpace(allowed), class) {
			return true
		}
	}
	return false
}

// matches сопоставляет одно правило политики с вложением сообщения.
func matches(msg Message, rule string) bool {
	switch rule {
	case "", ClassTextOnly:
		return false
	case ClassAllMedia:
		return true
	case ClassImages:
		return msg.Kind == KindPhoto || strings.HasPrefix(msg.MIME, "image/")
	case ClassVideos:
		return strings.HasPrefix(msg.MIME, "video/")
	case ClassAudio:
		return strings.HasPrefix(msg.MIME, "audio/")
	case ClassDocuments:
		// Класс документов — офисные форматы: MIME application/* либо
		// известное документное расширение. Видео и аудио, которые Telegram
		// тоже возит документами, сюда не попадают.
		return strings.HasPrefix(msg.MIME, "application/") || documentExts[msg.Ext]
	}
	// Литеральное расширение: фотографии считаются картиночными расширениями.
	if msg.Kind == KindPhoto {
		return imageExts[rule]
	}
	return msg.Ext == rule
}
