package daemon

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sort"
	"sync"

	"meshchat.dev/go/meshchat/internal/chat"
)

// Notifier interface for desktop notifications
type Notifier interface {
	Notify(title, body string) error
}

// NewNotifier returns a platform-specific notifier
func NewNotifier() Notifier {
	switch runtime.GOOS {
	case "darwin":
		return &darwinNotifier{}
	case "linux":
		return &linuxNotifier{}
	case "windows":
		return &windowsNotifier{}
	default:
		return &nullNotifier{}
	}
}

// darwinNotifier sends notifications on macOS using osascript
type darwinNotifier struct{}

func (n *darwinNotifier) Notify(title, body string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, body, title)
	cmd := exec.Command("osascript", "-e", script)
	if err := cmd.Run(); err != nil {
		slog.Debug("macOS notification failed", "error", err)
		return err
	}
	return nil
}

// linuxNotifier sends notifications on Linux using notify-send
type linuxNotifier struct{}

func (n *linuxNotifier) Notify(title, body string) error {
	// Try notify-send first (most common)
	if path, err := exec.LookPath("notify-send"); err == nil {
		cmd := exec.Command(path, title, body)
		if err := cmd.Run(); err != nil {
			slog.Debug("notify-send failed", "error", err)
			// Fall through to try other methods
		} else {
			return nil
		}
	}

	// Try zenity as fallback
	if path, err := exec.LookPath("zenity"); err == nil {
		cmd := exec.Command(path, "--notification", "--title="+title, "--text="+body)
		if err := cmd.Run(); err != nil {
			slog.Debug("zenity notification failed", "error", err)
		} else {
			return nil
		}
	}

	// Try kdialog for KDE
	if path, err := exec.LookPath("kdialog"); err == nil {
		cmd := exec.Command(path, "--passivepopup", body, "5", "--title", title)
		if err := cmd.Run(); err != nil {
			slog.Debug("kdialog notification failed", "error", err)
		} else {
			return nil
		}
	}

	slog.Debug("No notification method available on Linux")
	return fmt.Errorf("no notification method available")
}

// windowsNotifier sends notifications on Windows using PowerShell
type windowsNotifier struct{}

func (n *windowsNotifier) Notify(title, body string) error {
	script := fmt.Sprintf(`
		[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] | Out-Null
		[Windows.Data.Xml.Dom.XmlDocument, Windows.Data.Xml.Dom.XmlDocument, ContentType = WindowsRuntime] | Out-Null

		$template = @"
		<toast>
			<visual>
				<binding template="ToastText02">
					<text id="1">%s</text>
					<text id="2">%s</text>
				</binding>
			</visual>
		</toast>
"@
		$xml = New-Object Windows.Data.Xml.Dom.XmlDocument
		$xml.LoadXml($template)
		$toast = [Windows.UI.Notifications.ToastNotification]::new($xml)
		[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier("meshchat").Show($toast)
	`, title, body)

	cmd := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	if err := cmd.Run(); err != nil {
		slog.Debug("PowerShell toast notification failed", "error", err)
		// Fall back to simple balloon tip
		return n.notifyBalloon(title, body)
	}
	return nil
}

// notifyBalloon uses a simpler balloon notification as fallback
func (n *windowsNotifier) notifyBalloon(title, body string) error {
	script := fmt.Sprintf(`
		Add-Type -AssemblyName System.Windows.Forms
		$balloon = New-Object System.Windows.Forms.NotifyIcon
		$balloon.Icon = [System.Drawing.SystemIcons]::Information
		$balloon.BalloonTipIcon = 'Info'
		$balloon.BalloonTipTitle = '%s'
		$balloon.BalloonTipText = '%s'
		$balloon.Visible = $true
		$balloon.ShowBalloonTip(5000)
	`, title, body)

	cmd := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	return cmd.Run()
}

// nullNotifier is a no-op notifier for unsupported platforms
type nullNotifier struct{}

func (n *nullNotifier) Notify(title, body string) error {
	slog.Debug("Notifications not supported on this platform",
		"title", title,
		"body", body,
	)
	return nil
}

// maxPreviewLength caps the message text shown in a notification
const maxPreviewLength = 100

// NotificationService decides which received messages raise a desktop
// notification: those in a subscribed chat that is not the active chat.
type NotificationService struct {
	notifier Notifier

	mu         sync.RWMutex
	enabled    bool
	chats      map[string]struct{}
	activeChat *string
}

// NewNotificationService creates a notification service subscribed to chats
func NewNotificationService(enabled bool, chats []string) *NotificationService {
	return newNotificationService(NewNotifier(), enabled, chats)
}

func newNotificationService(n Notifier, enabled bool, chats []string) *NotificationService {
	s := &NotificationService{
		notifier: n,
		enabled:  enabled,
		chats:    make(map[string]struct{}, len(chats)),
	}
	for _, id := range chats {
		s.chats[id] = struct{}{}
	}
	return s
}

// SetEnabled enables or disables notifications
func (s *NotificationService) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Enabled reports whether notifications are on
func (s *NotificationService) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Subscribe turns on notifications for chatID
func (s *NotificationService) Subscribe(chatID string) {
	s.mu.Lock()
	s.chats[chatID] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe turns off notifications for chatID
func (s *NotificationService) Unsubscribe(chatID string) {
	s.mu.Lock()
	delete(s.chats, chatID)
	s.mu.Unlock()
}

// IsSubscribed reports whether chatID raises notifications
func (s *NotificationService) IsSubscribed(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chats[chatID]
	return ok
}

// Subscriptions returns the subscribed chat ids, sorted
func (s *NotificationService) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes every subscription
func (s *NotificationService) Clear() {
	s.mu.Lock()
	s.chats = make(map[string]struct{})
	s.mu.Unlock()
}

// SetActiveChat records the chat the user is looking at. Messages for it
// never notify. A nil id means no chat is open.
func (s *NotificationService) SetActiveChat(chatID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID == nil {
		s.activeChat = nil
		return
	}
	id := *chatID
	s.activeChat = &id
}

// ActiveChat returns the open chat id, if any
func (s *NotificationService) ActiveChat() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeChat == nil {
		return "", false
	}
	return *s.activeChat, true
}

// ShouldNotify reports whether a message for chatID raises a notification
func (s *NotificationService) ShouldNotify(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return false
	}
	if _, ok := s.chats[chatID]; !ok {
		return false
	}
	return s.activeChat == nil || *s.activeChat != chatID
}

// Notify sends a notification if enabled
func (s *NotificationService) Notify(title, body string) error {
	if !s.Enabled() {
		return nil
	}
	return s.notifier.Notify(title, body)
}

// NotifyMessage raises a notification for a received message when its
// chat is subscribed and not active. It reports whether one was sent.
func (s *NotificationService) NotifyMessage(m chat.Message) (bool, error) {
	if !s.ShouldNotify(m.ChatID) {
		return false, nil
	}

	title := "meshchat - " + chatLabel(m.ChatID)
	body := fmt.Sprintf("%s: %s", m.UserID, preview(m.Content))
	if err := s.notifier.Notify(title, body); err != nil {
		return false, err
	}
	return true, nil
}

// NotifyPeerConnected sends a notification about peer connection
func (s *NotificationService) NotifyPeerConnected(peerName string) error {
	title := "meshchat - Peer Connected"
	body := fmt.Sprintf("%s is now nearby", peerName)
	return s.Notify(title, body)
}

func chatLabel(chatID string) string {
	if chatID == chat.GlobalChatID {
		return "Global chat"
	}
	return chatID
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= maxPreviewLength {
		return content
	}
	return string(r[:maxPreviewLength-3]) + "..."
}
