package session

import (
	"encoding/json"
	"fmt"
)

// observerScript watches container for inserted nodes and hands each one's
// outer markup, JSON-encoded, to window[callback].
const observerScript = `(function() {
	var target = document.querySelector(%s);
	if (!target) { throw new Error("message list not found: " + %s); }
	var observer = new MutationObserver(function(mutations) {
		mutations.forEach(function(mutation) {
			if (mutation.type !== 'childList') return;
			mutation.addedNodes.forEach(function(node) {
				if (node.outerHTML === undefined) return;
				window[%s](JSON.stringify(node.outerHTML));
			});
		});
	});
	observer.observe(target, { childList: true, subtree: true });
})();`

// ObserverScript renders the mutation observer for the given message list
// selector and callback name.
func ObserverScript(container, callback string) string {
	sel := jsString(container)
	return fmt.Sprintf(observerScript, sel, sel, jsString(callback))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
