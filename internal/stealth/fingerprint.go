// Package stealth builds the deterministic anti-detection script the pool
// manager installs on every context before navigation: webdriver/plugins/
// WebGL-renderer spoofs seeded by the account's email, plus a window-message
// responder that tells embedded iframes which account index they're bound
// to.
package stealth

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
)

// Plugin mirrors one entry of navigator.plugins.
type Plugin struct {
	Name        string
	Description string
	Filename    string
}

// Fingerprint is the full set of spoofed browser properties for one context.
// Two contexts built with the same seed always produce the same Fingerprint,
// so switching away from and back to an account reuses the same surface
// instead of looking like a new device.
type Fingerprint struct {
	UserAgent           string
	Platform            string
	Vendor              string
	WebGLVendor         string
	WebGLRenderer       string
	Languages           []string
	Plugins             []Plugin
	ScreenWidth         int
	ScreenHeight         int
	HardwareConcurrency int
	DeviceMemory        int
	CanvasNoise         float64
}

var webGLVendors = []string{
	"Google Inc. (NVIDIA)",
	"Google Inc. (Intel)",
	"Google Inc. (AMD)",
	"Google Inc. (Apple)",
}

var webGLRenderers = []string{
	"ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Ti Direct3D11 vs_5_0 ps_5_0, D3D11)",
	"ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)",
	"ANGLE (AMD, AMD Radeon RX 6700 XT Direct3D11 vs_5_0 ps_5_0, D3D11)",
	"ANGLE (Apple, Apple M1, OpenGL 4.1)",
}

var defaultPlugins = []Plugin{
	{Name: "Chrome PDF Plugin", Description: "Portable Document Format", Filename: "internal-pdf-viewer"},
	{Name: "Chrome PDF Viewer", Description: "Portable Document Format", Filename: "mhjfbmdgcfjbbpaeojofohoefgiehjai"},
	{Name: "Native Client", Description: "", Filename: "internal-nacl-plugin"},
}

// seedFor turns an account email (or, if empty, its index) into a stable
// 64-bit seed for a deterministic PRNG.
func seedFor(email string, index int) int64 {
	key := email
	if key == "" {
		key = fmt.Sprintf("index:%d", index)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// Generate builds the deterministic fingerprint for one account. email takes
// priority as the seed; if it is empty, index is used instead.
func Generate(email string, index int) Fingerprint {
	rng := rand.New(rand.NewSource(seedFor(email, index)))

	resolutions := [][2]int{{1920, 1080}, {1680, 1050}, {1600, 900}, {1536, 864}}
	res := resolutions[rng.Intn(len(resolutions))]

	return Fingerprint{
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		WebGLVendor:         webGLVendors[rng.Intn(len(webGLVendors))],
		WebGLRenderer:       webGLRenderers[rng.Intn(len(webGLRenderers))],
		Languages:           []string{"en-US", "en"},
		Plugins:             defaultPlugins,
		ScreenWidth:         res[0],
		ScreenHeight:        res[1],
		HardwareConcurrency: 4 + 2*rng.Intn(3),
		DeviceMemory:        []int{4, 8, 16}[rng.Intn(3)],
		CanvasNoise:         0.0001 + rng.Float64()*0.0009,
	}
}

// Viewport returns the viewport for this fingerprint's screen size: the full
// screen width and the screen height minus 80 pixels. It adds no randomness
// of its own beyond the seeded screen size.
func (f Fingerprint) Viewport() (width, height int) {
	return f.ScreenWidth, f.ScreenHeight - 80
}

func escapeJS(s string) string {
	return strings.NewReplacer("\\", "\\\\", "'", "\\'", "\n", "\\n", "\r", "").Replace(s)
}

// BuildScript renders the full pre-navigation script for this fingerprint,
// bound to accountIndex so the window-message responder can answer iframes
// asking which account they're running under.
func BuildScript(f Fingerprint, accountIndex int) string {
	parts := []string{
		webdriverScript(),
		pluginsScript(f.Plugins),
		languagesScript(f.Languages),
		webGLScript(f.WebGLVendor, f.WebGLRenderer),
		navigatorScript(f),
		canvasNoiseScript(f.CanvasNoise),
		accountIndexResponderScript(accountIndex),
	}
	return strings.Join(parts, "\n")
}

func webdriverScript() string {
	return `(function(){
	try{
		Object.defineProperty(navigator,'webdriver',{get:function(){return undefined;},configurable:true});
		delete Object.getPrototypeOf(navigator).webdriver;
		var cdc=Object.getOwnPropertyNames(window).filter(function(p){return /^cdc_.*?_/.test(p);});
		cdc.forEach(function(p){delete window[p];});
	}catch(e){}
})();`
}

func pluginsScript(plugins []Plugin) string {
	if len(plugins) == 0 {
		plugins = defaultPlugins
	}
	parts := make([]string, 0, len(plugins))
	for _, p := range plugins {
		parts = append(parts, fmt.Sprintf(`{name:'%s',description:'%s',filename:'%s',length:1,item:function(){return this[0];},namedItem:function(){return this[0];}}`,
			escapeJS(p.Name), escapeJS(p.Description), escapeJS(p.Filename)))
	}
	return fmt.Sprintf(`(function(){
	var p=[%s];
	p.refresh=function(){};
	Object.defineProperty(navigator,'plugins',{get:function(){return p;},configurable:true});
})();`, strings.Join(parts, ","))
}

func languagesScript(languages []string) string {
	if len(languages) == 0 {
		languages = []string{"en-US", "en"}
	}
	quoted := make([]string, 0, len(languages))
	for _, l := range languages {
		quoted = append(quoted, "'"+escapeJS(l)+"'")
	}
	return fmt.Sprintf(`(function(){Object.defineProperty(navigator,'languages',{get:function(){return [%s];},configurable:true});})();`, strings.Join(quoted, ","))
}

func webGLScript(vendor, renderer string) string {
	vendor, renderer = escapeJS(vendor), escapeJS(renderer)
	return fmt.Sprintf(`(function(){
	var gp=WebGLRenderingContext.prototype.getParameter;
	WebGLRenderingContext.prototype.getParameter=function(p){
		if(p===37445)return '%s';
		if(p===37446)return '%s';
		return gp.apply(this,arguments);
	};
	if(window.WebGL2RenderingContext){
		var gp2=WebGL2RenderingContext.prototype.getParameter;
		WebGL2RenderingContext.prototype.getParameter=function(p){
			if(p===37445)return '%s';
			if(p===37446)return '%s';
			return gp2.apply(this,arguments);
		};
	}
})();`, vendor, renderer, vendor, renderer)
}

func navigatorScript(f Fingerprint) string {
	plat := escapeJS(f.Platform)
	if plat == "" {
		plat = "Win32"
	}
	hw, dm := f.HardwareConcurrency, f.DeviceMemory
	if hw <= 0 {
		hw = 8
	}
	if dm <= 0 {
		dm = 8
	}
	ua := escapeJS(f.UserAgent)
	vendor := escapeJS(f.Vendor)
	return fmt.Sprintf(`(function(){
	Object.defineProperty(navigator,'platform',{get:function(){return '%s';},configurable:true});
	Object.defineProperty(navigator,'hardwareConcurrency',{get:function(){return %d;},configurable:true});
	Object.defineProperty(navigator,'deviceMemory',{get:function(){return %d;},configurable:true});
	Object.defineProperty(navigator,'userAgent',{get:function(){return '%s';},configurable:true});
	Object.defineProperty(navigator,'vendor',{get:function(){return '%s';},configurable:true});
})();`, plat, hw, dm, ua, vendor)
}

func canvasNoiseScript(noise float64) string {
	return fmt.Sprintf(`(function(){
	var orig=CanvasRenderingContext2D.prototype.getImageData;
	var noise=%f;
	CanvasRenderingContext2D.prototype.getImageData=function(){
		var imageData=orig.apply(this,arguments);
		var data=imageData.data;
		for(var i=0;i<data.length;i+=4){
			data[i]=Math.max(0,Math.min(255,data[i]+Math.floor((Math.random()-0.5)*noise*1000)));
			data[i+1]=Math.max(0,Math.min(255,data[i+1]+Math.floor((Math.random()-0.5)*noise*1000)));
			data[i+2]=Math.max(0,Math.min(255,data[i+2]+Math.floor((Math.random()-0.5)*noise*1000)));
		}
		return imageData;
	};
})();`, noise)
}

// accountIndexResponderScript installs a window-message listener that
// answers embedded iframes asking which account index this page is bound
// to. This has no anti-detection purpose; it's how the internal-dialect
// iframe-based UI surfaces learn their own account binding.
func accountIndexResponderScript(accountIndex int) string {
	return fmt.Sprintf(`(function(){
	window.addEventListener('message',function(ev){
		if(!ev.data||ev.data.type!=='query-account-index')return;
		var source=ev.source;
		if(!source)return;
		source.postMessage({type:'account-index',index:%d},ev.origin||'*');
	});
})();`, accountIndex)
}
