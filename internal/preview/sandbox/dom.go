package sandbox

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Change records one DOM mutation made by a script
type Change struct {
	Type     string `json:"type"`
	Target   string `json:"target"`
	Property string `json:"property,omitempty"`
	Value    string `json:"value,omitempty"`
}

// DOM exposes the parsed document to scripts. Each node gets one proxy
// object for its lifetime, so identity comparisons behave.
type DOM struct {
	r       *Runtime
	doc     *goquery.Document
	changes []Change
	proxies map[*html.Node]*goja.Object
	nodes   map[*goja.Object]*html.Node
	events  map[*html.Node]*listenerSet
}

func newDOM(r *Runtime, doc *goquery.Document) *DOM {
	return &DOM{
		r:       r,
		doc:     doc,
		proxies: make(map[*html.Node]*goja.Object),
		nodes:   make(map[*goja.Object]*html.Node),
		events:  make(map[*html.Node]*listenerSet),
	}
}

func from(n *html.Node) *goquery.Selection {
	return goquery.NewDocumentFromNode(n).Selection
}

func (d *DOM) record(typ string, n *html.Node, property, value string) {
	d.changes = append(d.changes, Change{Type: typ, Target: selectorOf(n), Property: property, Value: value})
}

// describe renders a proxied node as markup
func (d *DOM) describe(obj *goja.Object) (string, bool) {
	n, ok := d.nodes[obj]
	if !ok {
		return "", false
	}
	switch n.Type {
	case html.ElementNode:
		markup, err := goquery.OuterHtml(from(n))
		if err != nil {
			return "<" + n.Data + ">", true
		}
		return markup, true
	case html.DocumentNode:
		markup, _ := from(n).Html()
		return markup, true
	default:
		return n.Data, true
	}
}

// document builds the global document object
func (d *DOM) document() *goja.Object {
	vm := d.r.vm
	root := d.doc.Nodes[0]

	doc := vm.NewObject()
	d.proxies[root] = doc
	d.nodes[doc] = root

	doc.Set("nodeType", 9)
	doc.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		return d.wrap(findFirst(root, func(n *html.Node) bool {
			return n.Type == html.ElementNode && attr(n, "id") == id
		}))
	})
	doc.Set("querySelector", d.querySelector(root))
	doc.Set("querySelectorAll", d.querySelectorAll(root))
	doc.Set("getElementsByClassName", d.byClass(root))
	doc.Set("getElementsByTagName", d.byTag(root))
	doc.Set("createElement", func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return d.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
	})
	doc.Set("createTextNode", func(call goja.FunctionCall) goja.Value {
		return d.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	doc.Set("addEventListener", d.r.docListeners.add)
	doc.Set("removeEventListener", d.r.docListeners.remove)

	d.accessor(doc, "documentElement", func() goja.Value { return d.wrap(d.first("html")) }, nil)
	d.accessor(doc, "head", func() goja.Value { return d.wrap(d.first("head")) }, nil)
	d.accessor(doc, "body", func() goja.Value { return d.wrap(d.first("body")) }, nil)
	d.accessor(doc, "readyState", func() goja.Value { return vm.ToValue(d.r.readyState) }, nil)
	d.accessor(doc, "title", func() goja.Value {
		return vm.ToValue(strings.TrimSpace(d.doc.Find("title").First().Text()))
	}, func(v goja.Value) {
		title := d.doc.Find("title").First()
		if title.Length() == 0 {
			head := d.first("head")
			if head == nil {
				return
			}
			n := &html.Node{Type: html.ElementNode, Data: "title", DataAtom: atom.Title}
			head.AppendChild(n)
			title = from(n)
		}
		title.SetText(v.String())
		d.record("text", title.Nodes[0], "title", v.String())
	})
	return doc
}

func (d *DOM) first(tag string) *html.Node {
	if s := d.doc.Find(tag).First(); s.Length() > 0 {
		return s.Nodes[0]
	}
	return nil
}

// wrap returns the proxy for n, creating it on first use
func (d *DOM) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := d.proxies[n]; ok {
		return obj
	}
	obj := d.r.vm.NewObject()
	d.proxies[n] = obj
	d.nodes[obj] = n
	d.node(obj, n)
	if n.Type == html.ElementNode {
		d.element(obj, n)
	}
	return obj
}

func (d *DOM) list(nodes []*html.Node) goja.Value {
	items := make([]any, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, d.wrap(n))
	}
	return d.r.vm.NewArray(items...)
}

func (d *DOM) accessor(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	vm := d.r.vm
	getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	var setter goja.Value
	if set != nil {
		setter = vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

// node installs the members shared by every node type
func (d *DOM) node(obj *goja.Object, n *html.Node) {
	vm := d.r.vm

	nodeType := 3
	switch n.Type {
	case html.ElementNode:
		nodeType = 1
	case html.CommentNode:
		nodeType = 8
	}
	obj.Set("nodeType", nodeType)

	d.accessor(obj, "nodeName", func() goja.Value {
		if n.Type == html.ElementNode {
			return vm.ToValue(strings.ToUpper(n.Data))
		}
		return vm.ToValue("#text")
	}, nil)
	d.accessor(obj, "parentNode", func() goja.Value { return d.wrap(n.Parent) }, nil)
	d.accessor(obj, "parentElement", func() goja.Value {
		if n.Parent == nil || n.Parent.Type != html.ElementNode {
			return goja.Null()
		}
		return d.wrap(n.Parent)
	}, nil)
	d.accessor(obj, "nextSibling", func() goja.Value { return d.wrap(n.NextSibling) }, nil)
	d.accessor(obj, "previousSibling", func() goja.Value { return d.wrap(n.PrevSibling) }, nil)

	text := func() goja.Value {
		if n.Type == html.ElementNode {
			return vm.ToValue(from(n).Text())
		}
		return vm.ToValue(n.Data)
	}
	setText := func(v goja.Value) {
		s := v.String()
		if n.Type == html.ElementNode {
			from(n).SetText(s)
		} else {
			n.Data = s
		}
		d.record("text", n, "textContent", s)
	}
	d.accessor(obj, "textContent", text, setText)
	d.accessor(obj, "innerText", text, setText)

	obj.Set("remove", func(goja.FunctionCall) goja.Value {
		if n.Parent != nil {
			d.record("remove", n, "", "")
			n.Parent.RemoveChild(n)
		}
		return goja.Undefined()
	})
}

// element installs the Element members
func (d *DOM) element(obj *goja.Object, n *html.Node) {
	vm := d.r.vm

	d.accessor(obj, "tagName", func() goja.Value { return vm.ToValue(strings.ToUpper(n.Data)) }, nil)
	d.attrProperty(obj, n, "id", "id")
	d.attrProperty(obj, n, "className", "class")
	d.attrProperty(obj, n, "value", "value")
	d.attrProperty(obj, n, "href", "href")
	d.attrProperty(obj, n, "src", "src")

	d.accessor(obj, "innerHTML", func() goja.Value {
		markup, _ := from(n).Html()
		return vm.ToValue(markup)
	}, func(v goja.Value) {
		from(n).SetHtml(v.String())
		d.record("html", n, "innerHTML", v.String())
	})
	d.accessor(obj, "outerHTML", func() goja.Value {
		markup, _ := goquery.OuterHtml(from(n))
		return vm.ToValue(markup)
	}, nil)
	d.accessor(obj, "children", func() goja.Value { return d.list(from(n).Children().Nodes) }, nil)
	d.accessor(obj, "childNodes", func() goja.Value {
		var kids []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			kids = append(kids, c)
		}
		return d.list(kids)
	}, nil)
	d.accessor(obj, "firstChild", func() goja.Value { return d.wrap(n.FirstChild) }, nil)
	d.accessor(obj, "lastChild", func() goja.Value { return d.wrap(n.LastChild) }, nil)
	d.accessor(obj, "firstElementChild", func() goja.Value {
		if c := from(n).Children().First(); c.Length() > 0 {
			return d.wrap(c.Nodes[0])
		}
		return goja.Null()
	}, nil)

	obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		if v, ok := lookupAttr(n, strings.ToLower(call.Argument(0).String())); ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		name, value := strings.ToLower(call.Argument(0).String()), call.Argument(1).String()
		setAttr(n, name, value)
		d.record("attribute", n, name, value)
		return goja.Undefined()
	})
	obj.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		name := strings.ToLower(call.Argument(0).String())
		if removeAttr(n, name) {
			d.record("attribute", n, name, "")
		}
		return goja.Undefined()
	})
	obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := lookupAttr(n, strings.ToLower(call.Argument(0).String()))
		return vm.ToValue(ok)
	})

	obj.Set("appendChild", func(call goja.FunctionCall) goja.Value {
		child := d.insert(n, call.Argument(0), nil)
		return d.wrap(child)
	})
	obj.Set("insertBefore", func(call goja.FunctionCall) goja.Value {
		var ref *html.Node
		if o, ok := call.Argument(1).(*goja.Object); ok {
			ref = d.nodes[o]
		}
		child := d.insert(n, call.Argument(0), ref)
		return d.wrap(child)
	})
	obj.Set("removeChild", func(call goja.FunctionCall) goja.Value {
		o, ok := call.Argument(0).(*goja.Object)
		if !ok {
			return goja.Null()
		}
		c := d.nodes[o]
		if c == nil || c.Parent != n {
			panic(vm.NewTypeError("The node to be removed is not a child of this node"))
		}
		d.record("remove", c, "", "")
		n.RemoveChild(c)
		return o
	})

	obj.Set("querySelector", d.querySelector(n))
	obj.Set("querySelectorAll", d.querySelectorAll(n))
	obj.Set("getElementsByClassName", d.byClass(n))
	obj.Set("getElementsByTagName", d.byTag(n))
	obj.Set("matches", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(from(n).Is(call.Argument(0).String()))
	})

	obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		set, ok := d.events[n]
		if !ok {
			set = newListenerSet()
			d.events[n] = set
		}
		return set.add(call)
	})
	obj.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		if set, ok := d.events[n]; ok {
			set.remove(call)
		}
		return goja.Undefined()
	})
	obj.Set("click", func(goja.FunctionCall) goja.Value {
		d.dispatch(n, d.r.newEvent("click", nil))
		return goja.Undefined()
	})
	obj.Set("dispatchEvent", func(call goja.FunctionCall) goja.Value {
		ev, ok := call.Argument(0).(*goja.Object)
		if !ok {
			panic(vm.NewTypeError("dispatchEvent requires an event"))
		}
		d.dispatch(n, ev)
		return vm.ToValue(true)
	})

	obj.Set("classList", d.classList(n))
	obj.Set("style", vm.NewDynamicObject(&styleDecl{d: d, n: n}))
}

// dispatch bubbles ev from n to the document and window. An interruption
// raised inside a listener is re-raised so the enclosing script stops too.
func (d *DOM) dispatch(n *html.Node, ev *goja.Object) {
	typ := ev.Get("type").String()
	ev.Set("target", d.wrap(n))

	var err error
	for cur := n; cur != nil && err == nil; cur = cur.Parent {
		if set, ok := d.events[cur]; ok {
			err = set.dispatch(d.r, typ, ev)
		}
		if cur.Type == html.DocumentNode && err == nil {
			if err = d.r.docListeners.dispatch(d.r, typ, ev); err == nil {
				err = d.r.listeners.dispatch(d.r, typ, ev)
			}
		}
	}
	if err != nil {
		d.r.vm.Interrupt(err)
	}
}

// insert moves the node behind v under parent, before ref when given
func (d *DOM) insert(parent *html.Node, v goja.Value, ref *html.Node) *html.Node {
	o, ok := v.(*goja.Object)
	if !ok {
		panic(d.r.vm.NewTypeError("parameter 1 is not of type 'Node'"))
	}
	c := d.nodes[o]
	if c == nil || c.Type == html.DocumentNode || contains(c, parent) {
		panic(d.r.vm.NewTypeError("The new child element contains the parent"))
	}
	if ref != nil && ref.Parent != parent {
		panic(d.r.vm.NewTypeError("The node before which the new node is to be inserted is not a child of this node"))
	}
	if c.Parent != nil {
		c.Parent.RemoveChild(c)
	}
	if ref != nil {
		parent.InsertBefore(c, ref)
	} else {
		parent.AppendChild(c)
	}
	d.record("insert", parent, "", selectorOf(c))
	return c
}

func (d *DOM) querySelector(root *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		found := from(root).Find(call.Argument(0).String())
		if found.Length() == 0 {
			return goja.Null()
		}
		return d.wrap(found.Nodes[0])
	}
}

func (d *DOM) querySelectorAll(root *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return d.list(from(root).Find(call.Argument(0).String()).Nodes)
	}
}

func (d *DOM) byClass(root *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		want := strings.Fields(call.Argument(0).String())
		return d.list(findAll(root, func(n *html.Node) bool {
			if n == root || n.Type != html.ElementNode || len(want) == 0 {
				return false
			}
			have := strings.Fields(attr(n, "class"))
			for _, w := range want {
				if !hasField(have, w) {
					return false
				}
			}
			return true
		}))
	}
}

func (d *DOM) byTag(root *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		tag := call.Argument(0).String()
		return d.list(findAll(root, func(n *html.Node) bool {
			return n != root && n.Type == html.ElementNode && (tag == "*" || strings.EqualFold(n.Data, tag))
		}))
	}
}

func (d *DOM) classList(n *html.Node) *goja.Object {
	vm := d.r.vm
	update := func(fields []string) {
		value := strings.Join(fields, " ")
		setAttr(n, "class", value)
		d.record("attribute", n, "class", value)
	}

	list := vm.NewObject()
	list.Set("contains", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(hasField(strings.Fields(attr(n, "class")), call.Argument(0).String()))
	})
	list.Set("add", func(call goja.FunctionCall) goja.Value {
		fields := strings.Fields(attr(n, "class"))
		for _, a := range call.Arguments {
			if !hasField(fields, a.String()) {
				fields = append(fields, a.String())
			}
		}
		update(fields)
		return goja.Undefined()
	})
	list.Set("remove", func(call goja.FunctionCall) goja.Value {
		fields := strings.Fields(attr(n, "class"))
		for _, a := range call.Arguments {
			fields = dropField(fields, a.String())
		}
		update(fields)
		return goja.Undefined()
	})
	list.Set("toggle", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fields := strings.Fields(attr(n, "class"))
		on := !hasField(fields, name)
		if force := call.Argument(1); !goja.IsUndefined(force) {
			on = force.ToBoolean()
		}
		if on {
			if !hasField(fields, name) {
				fields = append(fields, name)
			}
		} else {
			fields = dropField(fields, name)
		}
		update(fields)
		return vm.ToValue(on)
	})
	return list
}

func (d *DOM) attrProperty(obj *goja.Object, n *html.Node, name, attrName string) {
	d.accessor(obj, name, func() goja.Value {
		return d.r.vm.ToValue(attr(n, attrName))
	}, func(v goja.Value) {
		setAttr(n, attrName, v.String())
		d.record("attribute", n, attrName, v.String())
	})
}

// styleDecl backs element.style with the style attribute
type styleDecl struct {
	d *DOM
	n *html.Node
}

type declaration struct {
	name, value string
}

func (s *styleDecl) read() []declaration {
	var out []declaration
	for _, part := range strings.Split(attr(s.n, "style"), ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out = append(out, declaration{name: name, value: strings.TrimSpace(value)})
	}
	return out
}

func (s *styleDecl) write(decls []declaration) {
	parts := make([]string, 0, len(decls))
	for _, decl := range decls {
		parts = append(parts, decl.name+": "+decl.value+";")
	}
	text := strings.Join(parts, " ")
	if text == "" {
		removeAttr(s.n, "style")
	} else {
		setAttr(s.n, "style", text)
	}
	s.d.record("style", s.n, "style", text)
}

func (s *styleDecl) lookup(name string) (string, bool) {
	for _, decl := range s.read() {
		if decl.name == name {
			return decl.value, true
		}
	}
	return "", false
}

func (s *styleDecl) put(name, value string) {
	decls := s.read()
	kept := decls[:0]
	for _, decl := range decls {
		if decl.name != name {
			kept = append(kept, decl)
		}
	}
	if value != "" {
		kept = append(kept, declaration{name: name, value: value})
	}
	s.write(kept)
}

func (s *styleDecl) Get(key string) goja.Value {
	vm := s.d.r.vm
	switch key {
	case "cssText":
		return vm.ToValue(attr(s.n, "style"))
	case "setProperty":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			s.put(strings.ToLower(call.Argument(0).String()), call.Argument(1).String())
			return goja.Undefined()
		})
	case "getPropertyValue":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			v, _ := s.lookup(strings.ToLower(call.Argument(0).String()))
			return vm.ToValue(v)
		})
	case "removeProperty":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			name := strings.ToLower(call.Argument(0).String())
			v, _ := s.lookup(name)
			s.put(name, "")
			return vm.ToValue(v)
		})
	}
	v, _ := s.lookup(kebab(key))
	return vm.ToValue(v)
}

func (s *styleDecl) Set(key string, val goja.Value) bool {
	if key == "cssText" {
		setAttr(s.n, "style", val.String())
		s.write(s.read())
		return true
	}
	value := ""
	if val != nil && !goja.IsNull(val) && !goja.IsUndefined(val) {
		value = val.String()
	}
	s.put(kebab(key), value)
	return true
}

func (s *styleDecl) Has(key string) bool {
	switch key {
	case "cssText", "setProperty", "getPropertyValue", "removeProperty":
		return true
	}
	_, ok := s.lookup(kebab(key))
	return ok
}

func (s *styleDecl) Delete(key string) bool {
	s.put(kebab(key), "")
	return true
}

func (s *styleDecl) Keys() []string {
	decls := s.read()
	keys := make([]string, 0, len(decls))
	for _, decl := range decls {
		keys = append(keys, camel(decl.name))
	}
	return keys
}

// kebab converts backgroundColor to background-color
func kebab(name string) string {
	if strings.HasPrefix(name, "--") {
		return name
	}
	var b strings.Builder
	for _, c := range name {
		if c >= 'A' && c <= 'Z' {
			b.WriteByte('-')
			c += 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String()
}

func camel(name string) string {
	if strings.HasPrefix(name, "--") {
		return name
	}
	parts := strings.Split(name, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// Helper functions over html nodes

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
}

func removeAttr(n *html.Node, key string) bool {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return true
		}
	}
	return false
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// contains reports whether n is ancestor or self of other
func contains(n, other *html.Node) bool {
	for cur := other; cur != nil; cur = cur.Parent {
		if cur == n {
			return true
		}
	}
	return false
}

func hasField(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}

func dropField(fields []string, drop string) []string {
	out := fields[:0]
	for _, f := range fields {
		if f != drop {
			out = append(out, f)
		}
	}
	return out
}

// selectorOf names a node for change records, e.g. div#app.card
func selectorOf(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
	case html.DocumentNode:
		return "document"
	default:
		return "#text"
	}
	sel := n.Data
	if id := attr(n, "id"); id != "" {
		sel += "#" + id
	}
	if classes := strings.Fields(attr(n, "class")); len(classes) > 0 {
		sel += "." + classes[0]
	}
	return sel
}
