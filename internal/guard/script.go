package guard

import "text/template"

// guardScriptTemplate is evaluated inside the locked page. It must stay ES5
// so it runs on any page regardless of its own transpilation target.
//
// The sentinel on window makes the whole script a no-op after the first
// run in a document. The key interceptor is re-armed on an interval. The
// browser ignores re-adding the same function reference, so arm() adds
// unconditionally and a listener removed by the page comes back on the next
// tick. The handler is never exposed on a page-visible object.
const guardScriptTemplate = `(function () {
	var flag = "{{js .Flag}}";
	if (window[flag]) {
		return false;
	}
	var message = "{{js .Message}}";
	var notice = "{{js .Notice}}";

	function onBeforeUnload(e) {
		e.preventDefault();
		e.returnValue = message;
		return message;
	}

	function onKeyDown(e) {
		var key = (e.key || "").toLowerCase();
		var closing = ((e.ctrlKey || e.metaKey) && key === "w") || (e.ctrlKey && key === "f4");
		if (!closing) {
			return;
		}
		e.preventDefault();
		e.stopPropagation();
		window.alert(notice);
	}

	function arm() {
		document.addEventListener("keydown", onKeyDown, true);
	}

	window[flag] = true;
	window.addEventListener("beforeunload", onBeforeUnload);
	arm();
	window.setInterval(arm, {{.RearmMillis}});
	return true;
})();`

var guardScript = template.Must(template.New("guard").Parse(guardScriptTemplate))

type scriptData struct {
	Flag        string
	Message     string
	Notice      string
	RearmMillis int64
}
