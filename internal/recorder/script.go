package recorder

// recordingScript is injected into the recorded page. It harvests, per user
// action, the full DOM evidence bundle (selector, css path, xpath, attributes,
// rect, accessibility identity, visible text) and keeps a throttled mouse
// trail; the Go poller drains both buffers on a ticker.
func recordingScript() string {
	return `
(function() {
	if (window.webReplayRecorder) return;

	window.webReplayRecorder = {
		events: [],
		trail: [],
		isRecording: true,
		lastMove: 0,

		addEvent: function(event) {
			if (this.isRecording) {
				this.events.push(event);
			}
		},

		drainEvents: function() {
			const events = [...this.events];
			this.events = [];
			return events;
		},

		drainTrail: function() {
			const trail = [...this.trail];
			this.trail = [];
			return trail;
		},

		cssEscape: function(value) {
			if (window.CSS && CSS.escape) return CSS.escape(value);
			return value.replace(/([^a-zA-Z0-9_-])/g, '\\$1');
		},

		getSelector: function(element) {
			if (element.id) {
				return '#' + this.cssEscape(element.id);
			}
			const testId = element.getAttribute('data-testid') || element.getAttribute('data-test-id');
			if (testId) {
				return '[data-testid="' + testId + '"]';
			}
			return this.getCSSPath(element);
		},

		getCSSPath: function(element) {
			const path = [];
			while (element && element.nodeType === Node.ELEMENT_NODE && path.length < 8) {
				let selector = element.nodeName.toLowerCase();
				if (element.id) {
					path.unshift('#' + this.cssEscape(element.id));
					break;
				}
				if (element.className && typeof element.className === 'string') {
					const classes = element.className.trim().split(/\s+/).slice(0, 3);
					if (classes.length && classes[0]) {
						selector += '.' + classes.map(c => this.cssEscape(c)).join('.');
					}
				}
				const parent = element.parentNode;
				if (parent) {
					const siblings = Array.from(parent.children).filter(
						c => c.nodeName === element.nodeName);
					if (siblings.length > 1) {
						selector += ':nth-of-type(' + (siblings.indexOf(element) + 1) + ')';
					}
				}
				path.unshift(selector);
				element = parent;
			}
			return path.join(' > ');
		},

		getXPath: function(element) {
			const parts = [];
			while (element && element.nodeType === Node.ELEMENT_NODE) {
				let index = 1;
				let sibling = element.previousSibling;
				while (sibling) {
					if (sibling.nodeType === Node.ELEMENT_NODE && sibling.nodeName === element.nodeName) {
						index++;
					}
					sibling = sibling.previousSibling;
				}
				parts.unshift(element.nodeName.toLowerCase() + '[' + index + ']');
				element = element.parentNode;
			}
			return '/' + parts.join('/');
		},

		getAttributes: function(element) {
			const attrs = {};
			for (const attr of element.attributes) {
				if (attr.name === 'style') continue;
				attrs[attr.name] = attr.value.slice(0, 120);
			}
			return attrs;
		},

		getRect: function(element) {
			const r = element.getBoundingClientRect();
			return { x: r.x, y: r.y, width: r.width, height: r.height };
		},

		implicitRole: function(element) {
			const tag = element.nodeName.toLowerCase();
			const roles = {
				'button': 'button', 'a': 'link', 'select': 'combobox',
				'textarea': 'textbox', 'img': 'image', 'nav': 'navigation'
			};
			if (tag === 'input') {
				const type = (element.type || 'text').toLowerCase();
				if (type === 'button' || type === 'submit') return 'button';
				if (type === 'checkbox') return 'checkbox';
				if (type === 'radio') return 'radio';
				return 'textbox';
			}
			return roles[tag] || '';
		},

		accessibleName: function(element) {
			const aria = element.getAttribute('aria-label');
			if (aria) return aria.trim();
			const labelled = element.getAttribute('aria-labelledby');
			if (labelled) {
				const ref = document.getElementById(labelled.split(/\s+/)[0]);
				if (ref) return ref.innerText.trim().slice(0, 80);
			}
			if (element.labels && element.labels.length) {
				return element.labels[0].innerText.trim().slice(0, 80);
			}
			const text = (element.innerText || element.value || '').trim();
			if (text && text.length <= 80) return text;
			return '';
		},

		visibleText: function(element) {
			const text = (element.innerText || element.value || element.placeholder || '').trim();
			return text.slice(0, 100);
		},

		buildEvidence: function(element) {
			return {
				selector: this.getSelector(element),
				css_path: this.getCSSPath(element),
				xpath: this.getXPath(element),
				attributes: this.getAttributes(element),
				rect: this.getRect(element),
				role: element.getAttribute('role') || this.implicitRole(element),
				name: this.accessibleName(element),
				label: element.labels && element.labels.length ? element.labels[0].innerText.trim().slice(0, 80) : '',
				placeholder: element.placeholder || '',
				test_id: element.getAttribute('data-testid') || element.getAttribute('data-test-id') || '',
				text: this.visibleText(element),
				outer_html: element.outerHTML ? element.outerHTML.slice(0, 400) : ''
			};
		},

		viewport: function() {
			return { width: window.innerWidth, height: window.innerHeight };
		}
	};

	document.addEventListener('mousemove', function(event) {
		const rec = window.webReplayRecorder;
		const now = Date.now();
		if (now - rec.lastMove < 40) return;
		rec.lastMove = now;
		rec.trail.push({ x: event.clientX, y: event.clientY, timestamp: now });
		if (rec.trail.length > 200) {
			rec.trail.shift();
		}
	}, true);

	document.addEventListener('click', function(event) {
		if (event.isTrusted) {
			window.webReplayRecorder.addEvent({
				type: 'click',
				timestamp: Date.now(),
				viewport: window.webReplayRecorder.viewport(),
				point: { x: event.clientX, y: event.clientY },
				dom: window.webReplayRecorder.buildEvidence(event.target)
			});
		}
	}, true);

	document.addEventListener('input', function(event) {
		if (event.isTrusted && event.target.tagName) {
			const tagName = event.target.tagName.toLowerCase();
			if (tagName === 'input' || tagName === 'textarea') {
				window.webReplayRecorder.addEvent({
					type: 'input',
					value: event.target.value,
					timestamp: Date.now(),
					viewport: window.webReplayRecorder.viewport(),
					dom: window.webReplayRecorder.buildEvidence(event.target)
				});
			}
		}
	}, true);

	document.addEventListener('keydown', function(event) {
		if (event.isTrusted && event.key.length > 1) {
			window.webReplayRecorder.addEvent({
				type: 'keydown',
				value: event.key,
				timestamp: Date.now(),
				viewport: window.webReplayRecorder.viewport(),
				dom: window.webReplayRecorder.buildEvidence(event.target)
			});
		}
	}, true);

	document.addEventListener('scroll', function(event) {
		if (event.isTrusted) {
			window.webReplayRecorder.addEvent({
				type: 'scroll',
				value: window.scrollX + ',' + window.scrollY,
				timestamp: Date.now(),
				viewport: window.webReplayRecorder.viewport(),
				dom: window.webReplayRecorder.buildEvidence(document.documentElement)
			});
		}
	}, true);

	document.addEventListener('change', function(event) {
		if (event.isTrusted && event.target.tagName) {
			const tagName = event.target.tagName.toLowerCase();
			if (tagName === 'select' || tagName === 'input') {
				window.webReplayRecorder.addEvent({
					type: 'change',
					value: event.target.value,
					timestamp: Date.now(),
					viewport: window.webReplayRecorder.viewport(),
					dom: window.webReplayRecorder.buildEvidence(event.target)
				});
			}
		}
	}, true);

	document.addEventListener('submit', function(event) {
		if (event.isTrusted) {
			window.webReplayRecorder.addEvent({
				type: 'submit',
				timestamp: Date.now(),
				viewport: window.webReplayRecorder.viewport(),
				dom: window.webReplayRecorder.buildEvidence(event.target)
			});
		}
	}, true);

	console.log('WebReplay recorder initialized');
})();
`
}
