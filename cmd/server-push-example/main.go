// Package main demonstrates HTTP/2 server push functionality with Celeris.
package main

import (
	"fmt"
	"log"

	"github.com/kestrel-http/kestrel/pkg/kestrel"
)

// main demonstrates HTTP/2 Server Push functionality with Celeris.
func main() {
	router := kestrel.NewRouter()

	// Add middleware for logging requests
	router.Use(kestrel.Logger())

	// Homepage demonstrating server push for critical resources
	router.GET("/", func(ctx *kestrel.Context) error {
		// Push critical CSS, JS, and the logo image, in order, ahead of
		// the parent response.
		err := ctx.PushPromise(
			kestrel.PushPromise{Path: "/static/style.css", AsType: kestrel.PushAsStyle},
			kestrel.PushPromise{Path: "/static/app.js", AsType: kestrel.PushAsScript},
			kestrel.PushPromise{Path: "/static/logo.png", AsType: kestrel.PushAsImage},
		)
		if err != nil {
			log.Printf("Failed to queue push promises: %v", err)
		}

		// Send HTML response with embedded resources references
		html := `<!DOCTYPE html>
<html>
<head>
    <title>Celeris Server Push Example</title>
    <link rel="stylesheet" href="/static/style.css">
</head>
<body>
    <img src="/static/logo.png" alt="Logo">
    <h1>Welcome to Celeris!</h1>
    <p>This page demonstrates HTTP/2 Server Push.</p>
    <p>The CSS, JavaScript, and logo were pushed before you requested them!</p>
    <script src="/static/app.js"></script>
</body>
</html>`
		return ctx.HTML(200, html)
	})

	// Serve the pushed CSS file with caching headers
	router.GET("/static/style.css", func(ctx *kestrel.Context) error {
		css := `
body {
    font-family: Arial, sans-serif;
    margin: 40px;
    background-color: #f0f0f0;
}

h1 {
    color: #333;
}

img {
    max-width: 200px;
    margin-bottom: 20px;
}
`
		ctx.SetHeader("content-type", "text/css")
		ctx.SetHeader("cache-control", "max-age=3600")
		return ctx.String(200, "%s", css)
	})

	// Serve the pushed JavaScript file with caching headers
	router.GET("/static/app.js", func(ctx *kestrel.Context) error {
		js := `
console.log('Celeris Server Push Example');
console.log('This JavaScript was pushed by the server!');

document.addEventListener('DOMContentLoaded', function() {
    console.log('Page loaded with Server Push');
});
`
		ctx.SetHeader("content-type", "application/javascript")
		ctx.SetHeader("cache-control", "max-age=3600")
		return ctx.String(200, "%s", js)
	})

	// Serve the pushed logo image (placeholder in this example)
	router.GET("/static/logo.png", func(ctx *kestrel.Context) error {
		ctx.SetHeader("content-type", "image/png")
		ctx.SetHeader("cache-control", "max-age=3600")
		// In a real app, you would return actual image bytes
		return ctx.String(200, "PNG_IMAGE_DATA_HERE")
	})

	// Dashboard route with conditional server push
	router.GET("/dashboard", func(ctx *kestrel.Context) error {
		// Only push if client supports it; client will fall back to
		// requesting these normally if push is unavailable.
		err := ctx.PushPromise(
			kestrel.PushPromise{Path: "/static/dashboard.css", AsType: kestrel.PushAsStyle},
			kestrel.PushPromise{Path: "/static/dashboard.js", AsType: kestrel.PushAsScript},
			kestrel.PushPromise{Path: "/api/user/data.json", AsType: kestrel.PushAsFetch},
		)
		if err != nil {
			log.Printf("Push not available for dashboard resources: %v", err)
		}

		return ctx.HTML(200, "<html><body><h1>Dashboard</h1></body></html>")
	})

	// Configure and start server
	config := kestrel.DefaultConfig()
	config.Addr = ":8080"

	server := kestrel.New(config)

	fmt.Println("🚀 Celeris Server Push Example")
	fmt.Println("📡 Server listening on :8080")
	fmt.Println("🌐 Open: http://localhost:8080")
	fmt.Println("💡 Use Chrome DevTools Network tab to see Server Push in action!")
	fmt.Println("   Look for 'Push' in the Initiator column")

	if err := server.ListenAndServe(router); err != nil {
		log.Fatal(err)
	}
}
