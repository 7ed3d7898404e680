package remote

import "github.com/pkg/browser"

// openBrowser opens url in the user's default system browser, ignoring
// launch failure (e.g. headless CI).
func openBrowser(url string) {
	_ = browser.OpenURL(url)
}
